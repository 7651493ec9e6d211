// Package kv provides the durable local key-value storage used to persist
// client state (cart contents, the restored session) across restarts.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable key-value store under a fixed namespace.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
