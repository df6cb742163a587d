package domain

import (
	"context"
	"fmt"
	"time"
)

// SendOptions carries the per-message knobs the platform send primitive
// understands. MessageID non-zero means "edit that message in place".
type SendOptions struct {
	ParseMode      string // "" = plain text
	MessageID      int
	ReplyTo        int
	ThreadID       int
	ReplyMarkup    any // platform-specific keyboard markup, passed through
	DisablePreview bool
}

// SendResult reports the outcome of a successful send or edit.
type SendResult struct {
	MessageID int
}

// RateLimitedError is returned by a Sender when the platform answered with a
// rate-limit status. RetryAfter is the window the caller must wait out before
// the next attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Sender is the outbound send/edit primitive the delivery controller depends
// on. Implementations translate rate-limit responses into *RateLimitedError
// rather than an opaque failure.
// Ack confirms receipt of a callback query so the client stops showing its
// progress indicator; every received callback must be acked exactly once.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, opts SendOptions) (SendResult, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
	Typing(ctx context.Context, chatID int64) error
	Ack(ctx context.Context, callbackID string) error
}
