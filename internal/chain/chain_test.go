package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"chatrelay/internal/command"
	"chatrelay/internal/deliver"
	"chatrelay/internal/domain"
	"chatrelay/internal/history"
	"chatrelay/internal/llm"
	"chatrelay/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type sentMessage struct {
	chatID    int64
	text      string
	messageID int
	parseMode string
}

type stubSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	acked  []string
	nextID int
}

func (s *stubSender) Send(_ context.Context, chatID int64, text string, opts domain.SendOptions) (domain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := opts.MessageID
	if id == 0 {
		s.nextID++
		id = s.nextID
	}
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, messageID: opts.MessageID, parseMode: opts.ParseMode})
	return domain.SendResult{MessageID: id}, nil
}

func (s *stubSender) Delete(context.Context, int64, int) error { return nil }

func (s *stubSender) Typing(context.Context, int64) error { return nil }

func (s *stubSender) Ack(_ context.Context, callbackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, callbackID)
	return nil
}

func (s *stubSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// countingStore wraps the in-memory store and counts writes per key.
type countingStore struct {
	domain.Store
	mu   sync.Mutex
	puts map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: store.NewMemory(), puts: make(map[string]int)}
}

func (s *countingStore) Put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.puts[key]++
	s.mu.Unlock()
	return s.Store.Put(ctx, key, value)
}

type fixedRoles struct{ role string }

func (r fixedRoles) Resolve(context.Context, int64, int64) (string, error) { return r.role, nil }

// jsonServer answers every completion request with a fixed non-streaming
// response and counts how many times it was hit.
func jsonServer(t *testing.T, content string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

type fixture struct {
	chain  *Chain
	sender *stubSender
	store  *countingStore
	hist   *history.Adapter
	hits   *atomic.Int64
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	srv, hits := jsonServer(t, "model says hi")

	sender := &stubSender{}
	kv := newCountingStore()
	hist := history.NewAdapter(kv, testLogger)

	vendor, err := llm.VendorByName("openai")
	if err != nil {
		t.Fatalf("vendor: %v", err)
	}
	backend := &llm.Backend{URL: srv.URL, Model: "test-model", Vendor: vendor}
	orch := llm.NewOrchestrator(llm.OrchestratorConfig{Logger: testLogger})

	ctrl := deliver.NewController(deliver.Config{
		Sender:       sender,
		Orchestrator: orch,
		Backend:      backend,
		History:      hist,
		Logger:       testLogger,
	})

	table := command.RegisterDefaults(command.NewBuilder(), command.DefaultsConfig{
		History: hist,
		Version: "test",
		Model:   "test-model",
		Vendor:  "openai",
	}).BuildWithDefaults()

	cfg := Config{
		Bot:        BotInfo{ID: 7, Name: "relaybot"},
		Store:      kv,
		History:    hist,
		Table:      table,
		Controller: ctrl,
		Sender:     sender,
		Roles:      fixedRoles{role: "member"},
		Logger:     testLogger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{chain: New(cfg), sender: sender, store: kv, hist: hist, hits: hits}
}

func textUpdate(id int64, text string) *domain.Update {
	return &domain.Update{
		UpdateID: id,
		ChatID:   100,
		ChatType: "private",
		UserID:   42,
		Text:     text,
	}
}

func TestHandle_ChatTurnCommitsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	key := "history:7:100"
	prior := []domain.HistoryEntry{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	if err := f.hist.Persist(ctx, key, prior); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	f.chain.Handle(ctx, textUpdate(1, "hello"))

	if got := f.hits.Load(); got != 1 {
		t.Fatalf("model calls = %d, want 1", got)
	}
	entries := f.hist.Load(ctx, key)
	if len(entries) != 4 {
		t.Fatalf("history length = %d, want 4", len(entries))
	}
	if entries[2].Role != "user" || entries[2].Content != "hello" {
		t.Fatalf("user entry = %+v", entries[2])
	}
	if entries[3].Role != "assistant" || entries[3].Content != "model says hi" {
		t.Fatalf("assistant entry = %+v", entries[3])
	}

	// One seed write plus exactly one commit.
	f.store.mu.Lock()
	puts := f.store.puts[key]
	f.store.mu.Unlock()
	if puts != 2 {
		t.Fatalf("history puts = %d, want 2", puts)
	}
}

func TestHandle_NewCommandClearsHistoryWithoutModelCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	key := "history:7:100"
	if err := f.hist.Persist(ctx, key, []domain.HistoryEntry{{Role: "user", Content: "old"}}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	f.chain.Handle(ctx, textUpdate(2, "/new"))

	if got := f.hits.Load(); got != 0 {
		t.Fatalf("model calls = %d, want 0", got)
	}
	if _, err := f.store.Get(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("history key still present, err = %v", err)
	}
	sent := f.sender.messages()
	if len(sent) != 1 || sent[0].text != "New chat started." {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandle_AccessControlShortCircuits(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AllowedUsers = []int64{999}
	})
	f.chain.Handle(context.Background(), textUpdate(3, "hello"))

	if got := f.hits.Load(); got != 0 {
		t.Fatalf("model calls = %d, want 0", got)
	}
	sent := f.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "not allowed") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandle_DuplicateUpdateDroppedSilently(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.chain.Handle(ctx, textUpdate(11, "hello"))
	first := len(f.sender.messages())
	if first == 0 {
		t.Fatalf("first delivery produced no output")
	}

	f.chain.Handle(ctx, textUpdate(11, "hello"))
	if got := len(f.sender.messages()); got != first {
		t.Fatalf("duplicate produced %d extra sends", got-first)
	}
	if got := f.hits.Load(); got != 1 {
		t.Fatalf("model calls = %d, want 1", got)
	}
}

func TestHandle_GroupRequiresMention(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	unmentioned := textUpdate(21, "hello everyone")
	unmentioned.ChatType = "group"
	f.chain.Handle(ctx, unmentioned)
	if got := len(f.sender.messages()); got != 0 {
		t.Fatalf("unmentioned group message produced %d sends", got)
	}

	mentioned := textUpdate(22, "@relaybot hello")
	mentioned.ChatType = "group"
	mentioned.Mention = "@relaybot"
	f.chain.Handle(ctx, mentioned)
	if got := f.hits.Load(); got != 1 {
		t.Fatalf("model calls = %d, want 1", got)
	}
	entries := f.hist.Load(ctx, "history:7:100")
	if len(entries) != 2 || entries[0].Content != "hello" {
		t.Fatalf("history = %+v, want stripped mention", entries)
	}
}

func TestHandle_UnknownCommandInPrivateChat(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.Handle(context.Background(), textUpdate(31, "/bogus"))

	sent := f.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "Unknown command") {
		t.Fatalf("sent = %+v", sent)
	}
	if got := f.hits.Load(); got != 0 {
		t.Fatalf("model calls = %d, want 0", got)
	}
}

func TestHandle_UnknownCommandInGroupIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	u := textUpdate(32, "/bogus")
	u.ChatType = "group"
	f.chain.Handle(context.Background(), u)

	if got := len(f.sender.messages()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
}

func TestHandle_CommandScopeEnforced(t *testing.T) {
	f := newFixture(t, nil)
	u := textUpdate(33, "/start")
	u.ChatType = "group"
	f.chain.Handle(context.Background(), u)

	sent := f.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "not available") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandle_AdminCommandRefusedForMember(t *testing.T) {
	f := newFixture(t, nil) // resolver reports "member"
	u := textUpdate(34, "/system")
	u.ChatType = "supergroup"
	f.chain.Handle(context.Background(), u)

	sent := f.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "requires one of") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandle_CallbackDispatch(t *testing.T) {
	f := newFixture(t, nil)
	u := &domain.Update{
		UpdateID: 41,
		ChatID:   100,
		ChatType: "private",
		UserID:   42,
		Callback: &domain.CallbackQuery{ID: "cb1", Data: "/version"},
	}
	f.chain.Handle(context.Background(), u)

	sent := f.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "chatrelay") {
		t.Fatalf("sent = %+v", sent)
	}
	f.sender.mu.Lock()
	acked := append([]string(nil), f.sender.acked...)
	f.sender.mu.Unlock()
	if len(acked) != 1 || acked[0] != "cb1" {
		t.Fatalf("acked = %v, want [cb1]", acked)
	}
}

func TestHandle_StaleCallbackStillAcked(t *testing.T) {
	f := newFixture(t, nil)
	u := &domain.Update{
		UpdateID: 42,
		ChatID:   100,
		ChatType: "private",
		UserID:   42,
		Callback: &domain.CallbackQuery{ID: "cb-stale", Data: "/gone"},
	}
	f.chain.Handle(context.Background(), u)

	if got := len(f.sender.messages()); got != 0 {
		t.Fatalf("stale callback produced %d sends", got)
	}
	f.sender.mu.Lock()
	acked := append([]string(nil), f.sender.acked...)
	f.sender.mu.Unlock()
	if len(acked) != 1 || acked[0] != "cb-stale" {
		t.Fatalf("acked = %v, want [cb-stale]", acked)
	}
}

func TestHandle_IntentDetectRoutesToCommand(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Intents = map[string][]string{
			"new": {"start over", "forget everything"},
		}
	})
	ctx := context.Background()
	key := "history:7:100"
	if err := f.hist.Persist(ctx, key, []domain.HistoryEntry{{Role: "user", Content: "old"}}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	f.chain.Handle(ctx, textUpdate(51, "please forget everything we said"))

	if got := f.hits.Load(); got != 0 {
		t.Fatalf("model calls = %d, want 0", got)
	}
	if _, err := f.store.Get(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("history not cleared, err = %v", err)
	}
}

func TestHandle_LocationWithoutHandler(t *testing.T) {
	f := newFixture(t, nil)
	u := &domain.Update{
		UpdateID: 61,
		ChatID:   100,
		ChatType: "private",
		UserID:   42,
		Location: &domain.Location{Latitude: 48.8584, Longitude: 2.2945},
	}
	f.chain.Handle(context.Background(), u)

	sent := f.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "48.85840") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandle_UnsupportedUpdateIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.Handle(context.Background(), &domain.Update{UpdateID: 71, ChatID: 100, ChatType: "private", UserID: 42})

	if got := len(f.sender.messages()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
}

func TestHandle_NotReady(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Ready = func() error { return errors.New("store offline") }
	})
	f.chain.Handle(context.Background(), textUpdate(81, "hello"))

	sent := f.sender.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "starting up") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandle_ThreadScopedHistoryKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	u := textUpdate(91, "hello")
	u.ChatType = "supergroup"
	u.Mention = "@relaybot"
	u.Text = "@relaybot hello"
	u.ThreadID = 5
	f.chain.Handle(ctx, u)

	raw, err := f.store.Get(ctx, "history:7:100:5")
	if err != nil {
		t.Fatalf("thread history missing: %v", err)
	}
	var entries []domain.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestHandle_SeenWindowBounded(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.DedupeWindow = 3
	})
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		f.chain.Handle(ctx, textUpdate(i, "/version"))
	}
	seen, err := f.chain.loadSeen(ctx, "seen:7:100")
	if err != nil {
		t.Fatalf("loadSeen: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("seen window = %d, want 3", len(seen))
	}
	if seen[0] != 3 || seen[2] != 5 {
		t.Fatalf("seen = %v, want oldest ids evicted", seen)
	}
}
