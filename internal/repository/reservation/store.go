// Package reservation tracks short-lived in-flight token reservations in
// Redis. Reservations are a hold between the pre-flight entitlement check and
// the post-completion commit, so two concurrent sends from the same account
// cannot both pass the gate and overspend past zero.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/copychief/relay/internal/db"
)

// store is the consumer interface for reservation operations.
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
	Del(ctx context.Context, key string) error
}

const keyPrefix = "copychief:resv:"

// Store implements reservation counters on top of atomic INCRBY.
// The TTL bounds how long a crashed exchange can pin tokens.
type Store struct {
	store store
	ttl   time.Duration
}

// New creates a reservation store. ttl should comfortably exceed the longest
// expected provider stream (recommended: 5m).
func New(s store, ttl time.Duration) *Store {
	return &Store{store: s, ttl: ttl}
}

func key(accountID string) string {
	return keyPrefix + accountID
}

// Add atomically adds tokens to the account's in-flight reservation and
// returns the new reserved total. The TTL is refreshed on every add so a live
// reservation never expires mid-exchange.
func (s *Store) Add(ctx context.Context, accountID string, tokens int64) (int64, error) {
	k := key(accountID)
	total, err := s.store.IncrBy(ctx, k, tokens)
	if err != nil {
		return 0, fmt.Errorf("reservation INCRBY %s: %w", k, err)
	}
	if err := s.store.Expire(ctx, k, s.ttl, false); err != nil {
		return 0, fmt.Errorf("reservation EXPIRE %s: %w", k, err)
	}
	return total, nil
}

// Release subtracts tokens from the in-flight reservation. The key is dropped
// once nothing remains reserved so stale zero counters don't accumulate.
func (s *Store) Release(ctx context.Context, accountID string, tokens int64) error {
	k := key(accountID)
	total, err := s.store.IncrBy(ctx, k, -tokens)
	if err != nil {
		return fmt.Errorf("reservation release %s: %w", k, err)
	}
	if total <= 0 {
		if err := s.store.Del(ctx, k); err != nil {
			return fmt.Errorf("reservation cleanup %s: %w", k, err)
		}
	}
	return nil
}

// Total returns the currently reserved tokens for an account. Returns 0 if no
// reservation exists.
func (s *Store) Total(ctx context.Context, accountID string) (int64, error) {
	k := key(accountID)
	data, err := s.store.Get(ctx, k)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("reservation GET %s: %w", k, err)
	}

	val, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reservation GET %s parse: %w", k, err)
	}
	return val, nil
}
