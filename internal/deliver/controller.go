// Package deliver turns a trickle of partial model output into throttled,
// rate-limit-aware message edits: placeholder, streamed edits, authoritative
// final send, history commit.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/history"
	"chatrelay/internal/llm"
	"chatrelay/internal/metrics"
)

const (
	defaultPlaceholder = "..."
	defaultErrorMaxLen = 2048
)

// Controller drives one conversational turn: Placeholder, optional Streaming,
// Finalizing, Done, with an absorbing Error state. A controller is safe for
// concurrent turns; all per-turn state lives on the stack.
type Controller struct {
	sender  domain.Sender
	orch    *llm.Orchestrator
	backend *llm.Backend
	hist    *history.Adapter
	logger  *slog.Logger
	usage   *metrics.Collector

	streaming   bool
	maxEntries  int
	maxBudget   int
	placeholder string
	errorMaxLen int
	quickReply  any // markup attached to the final message, optional

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Config wires the controller's collaborators and tuning. Now and Sleep
// default to the real clock and exist for tests.
type Config struct {
	Sender       domain.Sender
	Orchestrator *llm.Orchestrator
	Backend      *llm.Backend
	History      *history.Adapter
	Logger       *slog.Logger
	Usage        *metrics.Collector
	Streaming    bool
	MaxEntries   int
	MaxBudget    int
	Placeholder  string
	ErrorMaxLen  int
	QuickReply   any
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

func NewController(cfg Config) *Controller {
	if cfg.Placeholder == "" {
		cfg.Placeholder = defaultPlaceholder
	}
	if cfg.ErrorMaxLen <= 0 {
		cfg.ErrorMaxLen = defaultErrorMaxLen
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Usage == nil {
		cfg.Usage = metrics.NewCollector()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Controller{
		sender:      cfg.Sender,
		orch:        cfg.Orchestrator,
		backend:     cfg.Backend,
		hist:        cfg.History,
		logger:      cfg.Logger,
		usage:       cfg.Usage,
		streaming:   cfg.Streaming,
		maxEntries:  cfg.MaxEntries,
		maxBudget:   cfg.MaxBudget,
		placeholder: cfg.Placeholder,
		errorMaxLen: cfg.ErrorMaxLen,
		quickReply:  cfg.QuickReply,
		now:         cfg.Now,
		sleep:       cfg.Sleep,
	}
}

// Turn is one inbound message headed for the model.
type Turn struct {
	ChatID     int64
	ThreadID   int
	ReplyTo    int
	ParseMode  string // formatting for the final send; streamed edits go plain
	HistoryKey string
	Message    string
	Images     []string
	Prompt     string
}

// deliveryState is single-turn-scoped and never shared across turns or chats.
type deliveryState struct {
	messageID   int       // current outbound message, 0 = none yet
	nextAllowed time.Time // rate-limit backoff window, zero = none
}

// Run processes the turn end to end. Any failure is absorbed here: the error
// is truncated and sent as a plain-text reply with formatting and link
// preview disabled, so a formatting error can never compound the original.
func (c *Controller) Run(ctx context.Context, turn Turn) {
	if err := c.run(ctx, turn); err != nil {
		c.logger.Error("turn failed", "chat", turn.ChatID, "err", err)
		c.sendError(ctx, turn, err)
	}
}

func (c *Controller) run(ctx context.Context, turn Turn) error {
	state := &deliveryState{}

	// Placeholder: obtain an editable message id. Losing it is not fatal.
	res, err := c.sender.Send(ctx, turn.ChatID, c.placeholder, domain.SendOptions{
		ReplyTo:  turn.ReplyTo,
		ThreadID: turn.ThreadID,
	})
	if err != nil {
		c.logger.Warn("placeholder send failed", "chat", turn.ChatID, "err", err)
	} else {
		state.messageID = res.MessageID
	}

	// Typing indicator: detached, failures discarded.
	go func() {
		_ = c.sender.Typing(ctx, turn.ChatID)
	}()

	stored := c.hist.Load(ctx, turn.HistoryKey)
	working := history.Trim(stored, len(turn.Prompt), c.maxEntries, c.maxBudget)

	var onStream func(string) error
	if c.streaming {
		onStream = c.streamCallback(ctx, turn, state)
	}

	req, err := c.backend.BuildRequest(llm.ChatParams{
		Message: turn.Message,
		Images:  turn.Images,
		History: working,
		Prompt:  turn.Prompt,
	}, onStream)
	if err != nil {
		return err
	}

	fullText, err := c.orch.Complete(ctx, req)
	if err != nil {
		return err
	}

	if err := c.finalize(ctx, turn, state, fullText); err != nil {
		return err
	}

	// Commit exactly one user and one assistant entry, whole-list overwrite.
	working = append(working,
		domain.HistoryEntry{Role: "user", Content: turn.Message, Images: turn.Images},
		domain.HistoryEntry{Role: "assistant", Content: fullText},
	)
	if err := c.hist.Persist(ctx, turn.HistoryKey, working); err != nil {
		c.logger.Warn("history persist failed", "key", turn.HistoryKey, "err", err)
	}
	return nil
}

// streamCallback returns the throttled edit function handed to the
// orchestrator. It honors the backoff window, converts rate-limit responses
// into a new window instead of raising, and tracks the outbound message id
// (the send primitive may switch from edit to a fresh message when a message
// outgrows the platform limit).
func (c *Controller) streamCallback(ctx context.Context, turn Turn, state *deliveryState) func(string) error {
	return func(partial string) error {
		if c.now().Before(state.nextAllowed) {
			return nil
		}
		res, err := c.sender.Send(ctx, turn.ChatID, partial, domain.SendOptions{
			MessageID: state.messageID,
			ThreadID:  turn.ThreadID,
		})
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			state.nextAllowed = c.now().Add(rl.RetryAfter)
			c.usage.Counter("chatrelay_rate_limit_waits_total", "Rate-limit backoff windows opened during streaming", "").Inc()
			c.logger.Debug("streaming edit rate limited", "chat", turn.ChatID, "retry_after", rl.RetryAfter)
			return nil
		}
		if err != nil {
			c.logger.Warn("streaming edit failed", "chat", turn.ChatID, "err", err)
			return nil
		}
		state.messageID = res.MessageID
		return nil
	}
}

// finalize waits out any pending backoff and sends the complete text as the
// authoritative last message. The re-send is required because streamed edits
// may have been suppressed by backoff and thus be stale.
func (c *Controller) finalize(ctx context.Context, turn Turn, state *deliveryState, fullText string) error {
	if c.quickReply != nil && state.messageID != 0 {
		if err := c.sender.Delete(ctx, turn.ChatID, state.messageID); err != nil {
			c.logger.Warn("placeholder delete failed", "chat", turn.ChatID, "err", err)
		} else {
			state.messageID = 0
		}
	}

	if wait := state.nextAllowed.Sub(c.now()); wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	_, err := c.sender.Send(ctx, turn.ChatID, fullText, domain.SendOptions{
		MessageID:   state.messageID,
		ParseMode:   turn.ParseMode,
		ThreadID:    turn.ThreadID,
		ReplyMarkup: c.quickReply,
	})
	if err != nil {
		return fmt.Errorf("final send: %w", err)
	}
	return nil
}

func (c *Controller) sendError(ctx context.Context, turn Turn, cause error) {
	msg := cause.Error()
	if len(msg) > c.errorMaxLen {
		msg = msg[:c.errorMaxLen] + "..."
	}
	_, err := c.sender.Send(ctx, turn.ChatID, "ERROR: "+msg, domain.SendOptions{
		ThreadID:       turn.ThreadID,
		ReplyTo:        turn.ReplyTo,
		DisablePreview: true,
	})
	if err != nil {
		c.logger.Error("error reply failed", "chat", turn.ChatID, "err", err)
	}
}
