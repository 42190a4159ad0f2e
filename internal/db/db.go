// Package db defines the cache/counter store contract. Consumers depend on
// the narrow sub-interfaces, not the facade.
package db

import (
	"context"
	"time"
)

// Store is the full store facade.
type Store interface {
	Pinger
	KVStore
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KVStore provides key-value and atomic counter operations.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// IncrBy atomically increments a key and returns the new value.
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	// Expire sets TTL on a key. When nx=true, only if the key has no expiry yet.
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
}
