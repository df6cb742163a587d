package deliver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/history"
	"chatrelay/internal/llm"
	"chatrelay/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type sentMessage struct {
	text      string
	messageID int // 0 = new message
	parseMode string
	preview   bool
	at        time.Time
}

// stubSender records sends and lets each call's outcome be scripted.
type stubSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	deleted []int
	calls   int
	nextID  int
	clock   func() time.Time

	// onSend, if set, decides the outcome for a call; return nil error for
	// the default accept path.
	onSend func(call int, text string, opts domain.SendOptions) error
}

func newStubSender(clock func() time.Time) *stubSender {
	return &stubSender{clock: clock}
}

func (s *stubSender) Send(_ context.Context, _ int64, text string, opts domain.SendOptions) (domain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls
	s.calls++
	if s.onSend != nil {
		if err := s.onSend(call, text, opts); err != nil {
			return domain.SendResult{}, err
		}
	}
	s.sent = append(s.sent, sentMessage{
		text:      text,
		messageID: opts.MessageID,
		parseMode: opts.ParseMode,
		preview:   !opts.DisablePreview,
		at:        s.clock(),
	})
	id := opts.MessageID
	if id == 0 {
		s.nextID++
		id = s.nextID
	}
	return domain.SendResult{MessageID: id}, nil
}

func (s *stubSender) Delete(_ context.Context, _ int64, messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *stubSender) Typing(context.Context, int64) error { return nil }

func (s *stubSender) Ack(context.Context, string) error { return nil }

func (s *stubSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return nil
}

func streamServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestController(t *testing.T, url string, sender domain.Sender, kv domain.Store, clock *fakeClock, streaming bool) *Controller {
	t.Helper()
	vendor, _ := llm.VendorByName("openai")
	return NewController(Config{
		Sender:       sender,
		Orchestrator: llm.NewOrchestrator(llm.OrchestratorConfig{Logger: testLogger, FlushStart: 5, FlushGrow: 5}),
		Backend:      &llm.Backend{URL: url, Model: "test-model", Vendor: vendor},
		History:      history.NewAdapter(kv, testLogger),
		Logger:       testLogger,
		Streaming:    streaming,
		MaxEntries:   20,
		MaxBudget:    -1,
		Now:          clock.Now,
		Sleep:        clock.Sleep,
	})
}

func TestRun_CommitsOneUserOneAssistantEntry(t *testing.T) {
	srv := streamServer(t, []string{"hi there"})
	kv := store.NewMemory()
	ctx := context.Background()
	hist := history.NewAdapter(kv, testLogger)
	prior := []domain.HistoryEntry{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "reply"},
	}
	if err := hist.Persist(ctx, "history:1", prior); err != nil {
		t.Fatalf("seed: %v", err)
	}

	clock := &fakeClock{now: time.Unix(1000, 0)}
	sender := newStubSender(clock.Now)
	c := newTestController(t, srv.URL, sender, kv, clock, true)

	c.Run(ctx, Turn{ChatID: 7, HistoryKey: "history:1", Message: "hello"})

	got := hist.Load(ctx, "history:1")
	if len(got) != 4 {
		t.Fatalf("expected 4 entries after commit, got %d", len(got))
	}
	if got[2].Role != "user" || got[2].Content != "hello" {
		t.Fatalf("third entry should be the user turn, got %+v", got[2])
	}
	if got[3].Role != "assistant" || got[3].Content != "hi there" {
		t.Fatalf("fourth entry should be the assistant turn, got %+v", got[3])
	}
}

func TestRun_RateLimitBackoffSuppressesEdits(t *testing.T) {
	// Enough deltas to cross several flush thresholds.
	var deltas []string
	for i := 0; i < 30; i++ {
		deltas = append(deltas, "0123456789")
	}
	srv := streamServer(t, deltas)

	clock := &fakeClock{now: time.Unix(0, 0)}
	sender := newStubSender(clock.Now)
	// Call 0 is the placeholder; the first streaming edit gets rate limited.
	sender.onSend = func(call int, text string, opts domain.SendOptions) error {
		if call == 1 {
			return &domain.RateLimitedError{RetryAfter: 5 * time.Second}
		}
		return nil
	}

	c := newTestController(t, srv.URL, sender, store.NewMemory(), clock, true)
	c.Run(context.Background(), Turn{ChatID: 7, HistoryKey: "h"})

	msgs := sender.messages()
	// Placeholder + final only: every later streaming edit fell inside the
	// 5-second window because the fake clock advances only in Sleep.
	if len(msgs) != 2 {
		t.Fatalf("expected placeholder and exactly one final send, got %d: %+v", len(msgs), msgs)
	}
	final := msgs[1]
	if final.at.Sub(msgs[0].at) < 5*time.Second {
		t.Fatalf("final send did not wait out the backoff window: %v", final.at.Sub(msgs[0].at))
	}
	if len(final.text) != 300 || strings.HasSuffix(final.text, "...") {
		t.Fatalf("final send must carry the complete text, got %d chars", len(final.text))
	}
}

func TestRun_StreamingEditsUpdateMessageID(t *testing.T) {
	var deltas []string
	for i := 0; i < 10; i++ {
		deltas = append(deltas, "abcdefghij")
	}
	srv := streamServer(t, deltas)

	clock := &fakeClock{now: time.Unix(0, 0)}
	sender := newStubSender(clock.Now)
	c := newTestController(t, srv.URL, sender, store.NewMemory(), clock, true)
	c.Run(context.Background(), Turn{ChatID: 7, HistoryKey: "h"})

	msgs := sender.messages()
	if len(msgs) < 3 {
		t.Fatalf("expected placeholder, streamed edits, and final, got %d", len(msgs))
	}
	for i, m := range msgs[1:] {
		if m.messageID != 1 {
			t.Fatalf("send %d should edit the placeholder (id 1), edited %d", i+1, m.messageID)
		}
	}
	for _, m := range msgs[1 : len(msgs)-1] {
		if !strings.HasSuffix(m.text, "\n...") {
			t.Fatalf("streamed edit missing continuation cue: %q", m.text)
		}
	}
}

func jsonServer(t *testing.T, fullText string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, fullText)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_PlaceholderFailureIsNotFatal(t *testing.T) {
	srv := jsonServer(t, "answer")
	clock := &fakeClock{now: time.Unix(0, 0)}
	sender := newStubSender(clock.Now)
	sender.onSend = func(call int, text string, opts domain.SendOptions) error {
		if call == 0 {
			return fmt.Errorf("network down")
		}
		return nil
	}

	kv := store.NewMemory()
	c := newTestController(t, srv.URL, sender, kv, clock, false)
	c.Run(context.Background(), Turn{ChatID: 7, HistoryKey: "h", Message: "q"})

	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].text != "answer" {
		t.Fatalf("expected delivery to continue without a placeholder, got %+v", msgs)
	}
	if got := history.NewAdapter(kv, testLogger).Load(context.Background(), "h"); len(got) != 2 {
		t.Fatalf("history should still commit, got %d entries", len(got))
	}
}

func TestRun_ModelFailureLeavesHistoryUntouchedAndSendsPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"backend exploded"}}`)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(0, 0)}
	sender := newStubSender(clock.Now)
	kv := store.NewMemory()
	c := newTestController(t, srv.URL, sender, kv, clock, false)
	c.Run(context.Background(), Turn{ChatID: 7, HistoryKey: "h", Message: "q", ParseMode: "MarkdownV2"})

	if got := history.NewAdapter(kv, testLogger).Load(context.Background(), "h"); got != nil {
		t.Fatalf("failed turn must not touch history, got %v", got)
	}
	msgs := sender.messages()
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.text, "backend exploded") {
		t.Fatalf("error reply should carry the vendor message, got %q", last.text)
	}
	if last.parseMode != "" || last.preview {
		t.Fatalf("error reply must be plain text without preview, got %+v", last)
	}
}

func TestRun_ErrorReplyTruncated(t *testing.T) {
	long := strings.Repeat("x", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"error":{"message":%q}}`, long)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(0, 0)}
	sender := newStubSender(clock.Now)
	c := newTestController(t, srv.URL, sender, store.NewMemory(), clock, false)
	c.Run(context.Background(), Turn{ChatID: 7, HistoryKey: "h", Message: "q"})

	msgs := sender.messages()
	last := msgs[len(msgs)-1]
	if len(last.text) > defaultErrorMaxLen+len("ERROR: ")+3 {
		t.Fatalf("error reply not truncated: %d chars", len(last.text))
	}
}
