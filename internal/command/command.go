// Package command holds the immutable command table consulted by the
// middleware chain. The table is constructed once at startup through a
// Builder; there is no runtime registration.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"chatrelay/internal/domain"
)

// Scopes a command may declare.
const (
	ScopePrivate = "private"
	ScopeGroup   = "group"
	ScopeSuper   = "supergroup"
)

// AllScopes covers every chat type a bot participates in.
var AllScopes = []string{ScopePrivate, ScopeGroup, ScopeSuper}

// Request is what a command handler receives: the originating update, the
// argument text after the command word, and the chat's history key.
type Request struct {
	Update     *domain.Update
	Args       string
	HistoryKey string
}

// Func is a command handler. A nil reply with nil error means the handler
// delivered its own output.
type Func func(ctx context.Context, req Request) (*domain.Reply, error)

// Entry describes one registered command. NeedAuth, when set, maps the chat
// type to the set of member roles allowed to run the command; nil means no
// authorization beyond scope.
type Entry struct {
	Scopes      []string
	Fn          Func
	NeedAuth    func(chatType string) []string
	Description string
}

// InScope reports whether the entry may run in the given chat type.
func (e Entry) InScope(chatType string) bool {
	for _, s := range e.Scopes {
		if s == chatType {
			return true
		}
	}
	return false
}

// Table is the finished, read-only command set.
type Table struct {
	entries map[string]Entry
}

// Builder accumulates entries and seals them into a Table.
type Builder struct {
	entries    map[string]Entry
	finishHelp func(*Table)
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]Entry)}
}

// Register adds one command under its slash name ("/new"). Re-registering a
// name replaces the earlier entry.
func (b *Builder) Register(name string, e Entry) *Builder {
	if len(e.Scopes) == 0 {
		e.Scopes = AllScopes
	}
	b.entries[strings.TrimPrefix(name, "/")] = e
	return b
}

// Build seals the builder. The builder must not be reused afterwards.
func (b *Builder) Build() *Table {
	t := &Table{entries: b.entries}
	b.entries = nil
	return t
}

// Lookup resolves command text against the table: "/name", "/name@botname",
// or "/name args". Returns the entry and the trailing argument text.
func (t *Table) Lookup(text, botName string) (name, args string, entry Entry, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", Entry{}, false
	}
	word, rest, _ := strings.Cut(text[1:], " ")
	// Strip an @botname suffix addressed to us; a command addressed to a
	// different bot is not ours to handle.
	if base, target, found := strings.Cut(word, "@"); found {
		if botName != "" && !strings.EqualFold(target, botName) {
			return "", "", Entry{}, false
		}
		word = base
	}
	entry, ok = t.entries[strings.ToLower(word)]
	if !ok {
		return "", "", Entry{}, false
	}
	return word, strings.TrimSpace(rest), entry, true
}

// Get returns the entry for a bare command name.
func (t *Table) Get(name string) (Entry, bool) {
	e, ok := t.entries[name]
	return e, ok
}

// Names returns all registered command names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HelpText renders the table as a user-facing command list.
func (t *Table) HelpText() string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, name := range t.Names() {
		sb.WriteString(fmt.Sprintf("/%s - %s\n", name, t.entries[name].Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}
