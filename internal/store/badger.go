package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"chatrelay/internal/domain"
)

// Badger is the embedded production store. Keys are scoped per chat by the
// caller; read-after-write per key is provided by the engine.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

// BadgerConfig configures the Badger store. InMemory disables disk
// persistence (useful in tests that want the real engine).
type BadgerConfig struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

func NewBadger(cfg BadgerConfig) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	} else {
		if err := os.MkdirAll(filepath.Clean(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Badger{db: db, logger: cfg.Logger}, nil
}

func (b *Badger) Get(_ context.Context, key string) (string, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

func (b *Badger) Put(_ context.Context, key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
