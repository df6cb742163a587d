package command

import (
	"context"
	"fmt"
	"runtime"

	"chatrelay/internal/domain"
	"chatrelay/internal/history"
)

// adminOnlyInGroups is the NeedAuth predicate for commands that anyone may
// run privately but only chat administrators may run in a group.
func adminOnlyInGroups(chatType string) []string {
	if chatType == ScopeGroup || chatType == ScopeSuper {
		return []string{"administrator", "creator"}
	}
	return nil
}

// DefaultsConfig carries the dependencies of the built-in commands. Rerun,
// when set, re-submits a past user message as a fresh model turn and owns its
// own delivery; /redo is not registered without it.
type DefaultsConfig struct {
	History *history.Adapter
	Version string
	Model   string
	Vendor  string
	Rerun   func(ctx context.Context, req Request, message string)
}

// RegisterDefaults adds the built-in command set to the builder and returns
// it for chaining. The /help handler closes over the finished table, so it
// resolves the table lazily through the returned lookup.
func RegisterDefaults(b *Builder, cfg DefaultsConfig) *Builder {
	// The table does not exist until Build; /help captures a pointer filled
	// in by FinishHelp below.
	var table *Table

	b.Register("start", Entry{
		Scopes:      []string{ScopePrivate},
		Description: "greet and explain usage",
		Fn: func(ctx context.Context, req Request) (*domain.Reply, error) {
			return &domain.Reply{Text: "Hi! Send me a message and I will answer. Use /new to start a fresh conversation."}, nil
		},
	})

	b.Register("help", Entry{
		Description: "list available commands",
		Fn: func(ctx context.Context, req Request) (*domain.Reply, error) {
			if table == nil {
				return &domain.Reply{Text: "Commands are still loading."}, nil
			}
			return &domain.Reply{Text: table.HelpText()}, nil
		},
	})

	b.Register("new", Entry{
		Description: "start a new conversation",
		Fn: func(ctx context.Context, req Request) (*domain.Reply, error) {
			if err := cfg.History.Clear(ctx, req.HistoryKey); err != nil {
				return nil, err
			}
			return &domain.Reply{Text: "New chat started."}, nil
		},
	})

	b.Register("version", Entry{
		Description: "show bot version",
		Fn: func(ctx context.Context, req Request) (*domain.Reply, error) {
			return &domain.Reply{
				Text: fmt.Sprintf("chatrelay %s (%s/%s, Go %s)", cfg.Version, runtime.GOOS, runtime.GOARCH, runtime.Version()),
			}, nil
		},
	})

	if cfg.Rerun != nil {
		b.Register("redo", Entry{
			Description: "regenerate the last answer",
			Fn: func(ctx context.Context, req Request) (*domain.Reply, error) {
				entries := cfg.History.Load(ctx, req.HistoryKey)
				last := lastUserMessage(entries)
				if last == "" {
					return &domain.Reply{Text: "Nothing to redo yet."}, nil
				}
				// Drop the exchange being redone so the retried turn does not
				// see its own previous answer.
				if err := cfg.History.Persist(ctx, req.HistoryKey, dropLastExchange(entries)); err != nil {
					return nil, err
				}
				cfg.Rerun(ctx, req, last)
				return nil, nil
			},
		})
	}

	b.Register("img", Entry{
		Description: "about image input",
		Fn: func(ctx context.Context, req Request) (*domain.Reply, error) {
			return &domain.Reply{Text: "Image generation is not supported. Send a photo with a caption and I will answer questions about it."}, nil
		},
	})

	b.Register("system", Entry{
		NeedAuth:    adminOnlyInGroups,
		Description: "show current model configuration",
		Fn: func(ctx context.Context, req Request) (*domain.Reply, error) {
			return &domain.Reply{
				Text:           fmt.Sprintf("vendor: %s\nmodel: %s", cfg.Vendor, cfg.Model),
				DisablePreview: true,
			}, nil
		},
	})

	// FinishHelp is invoked by the caller once Build has run.
	b.finishHelp = func(t *Table) { table = t }
	return b
}

// lastUserMessage returns the content of the most recent user entry.
func lastUserMessage(entries []domain.HistoryEntry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == "user" {
			return entries[i].Content
		}
	}
	return ""
}

// dropLastExchange removes the trailing assistant entry (if any) and the user
// entry that prompted it.
func dropLastExchange(entries []domain.HistoryEntry) []domain.HistoryEntry {
	end := len(entries)
	if end > 0 && entries[end-1].Role == "assistant" {
		end--
	}
	if end > 0 && entries[end-1].Role == "user" {
		end--
	}
	return entries[:end]
}

// BuildWithDefaults seals the builder and completes deferred wiring such as
// the /help table reference.
func (b *Builder) BuildWithDefaults() *Table {
	finish := b.finishHelp
	t := b.Build()
	if finish != nil {
		finish(t)
	}
	return t
}
