package ledger

import (
	"context"
	"time"

	"github.com/copychief/relay/internal/domain/balance"
	"github.com/copychief/relay/internal/domain/usage"
)

// EntitlementStore is the persistence boundary for balances and audit.
// All mutations are atomic at the storage layer and audited.
type EntitlementStore interface {
	ReadBalance(ctx context.Context, accountID string) (balance.Balance, error)
	// AddConsumed atomically increments the consumed counter and returns the
	// resulting balance.
	AddConsumed(ctx context.Context, accountID string, tokens int64, reason, actorID string) (balance.Balance, error)
	AppendUsage(ctx context.Context, rec usage.Record) error
}

// ReservationStore tracks in-flight token holds.
type ReservationStore interface {
	Add(ctx context.Context, accountID string, tokens int64) (int64, error)
	Release(ctx context.Context, accountID string, tokens int64) error
	Total(ctx context.Context, accountID string) (int64, error)
}

// BalanceObserver is notified after every committed balance change.
// Advisory only; observers must not block.
type BalanceObserver interface {
	BalanceChanged(accountID string, b balance.Balance)
}

// cacheStore is the consumer interface for the balance read cache.
type cacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
