// Package history manages the rolling conversation log for a chat: load with
// graceful degradation, pure trimming by entry count and length budget, and
// whole-list persistence.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"chatrelay/internal/domain"
)

// Adapter reads and writes one chat's history through the opaque key-value
// store. Persistence is a whole-list overwrite after each turn; concurrent
// turns on one key race last-write-wins, which callers accept.
type Adapter struct {
	store  domain.Store
	logger *slog.Logger
}

func NewAdapter(store domain.Store, logger *slog.Logger) *Adapter {
	return &Adapter{store: store, logger: logger}
}

// Load returns the stored history for key. A missing key, malformed JSON, or
// a non-array value all degrade to an empty history rather than failing the
// turn.
func (a *Adapter) Load(ctx context.Context, key string) []domain.HistoryEntry {
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn("history load failed, starting empty", "key", key, "err", err)
		}
		return nil
	}
	var entries []domain.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		a.logger.Warn("malformed history discarded", "key", key, "err", err)
		return nil
	}
	return entries
}

// Persist overwrites the stored history for key with the full entry list.
func (a *Adapter) Persist(ctx context.Context, key string, entries []domain.HistoryEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := a.store.Put(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// Clear removes the stored history for key.
func (a *Adapter) Clear(ctx context.Context, key string) error {
	if err := a.store.Delete(ctx, key); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Trim bounds a history by entry count, then by a character budget. The count
// phase keeps the most recent maxEntries (maxEntries <= 0 disables it). The
// budget phase walks backward from the newest entry with a running total
// seeded at reserved and keeps the maximal trailing suffix that fits within
// maxBudget (maxBudget <= 0 disables it). Trim never mutates its input.
func Trim(entries []domain.HistoryEntry, reserved, maxEntries, maxBudget int) []domain.HistoryEntry {
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	if maxBudget <= 0 {
		return entries
	}

	total := reserved
	keep := 0
	for i := len(entries) - 1; i >= 0; i-- {
		total += len(entries[i].Content)
		if total > maxBudget {
			break
		}
		keep++
	}
	return entries[len(entries)-keep:]
}
