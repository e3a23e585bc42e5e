// Package storage provides the optional read-through cache that sits in
// front of the indexer and third-party APIs.
package storage

import (
	"context"
	"time"
)

// Store is a byte-oriented key/value store with per-key expiry.
type Store interface {
	// Get returns the value stored under key and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
