package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// Store is the opaque key-value collaborator used for conversation history
// and per-chat configuration. Read-after-write per key is assumed; no
// transactions. Concurrent writers on one key race last-write-wins.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
