// Package ledger enforces token entitlements: it computes available budget,
// holds a reservation for the estimated cost before any provider call, and
// reconciles actual usage afterwards. Enforcement lives entirely in
// ReserveAndCheck; threshold warnings are advisory side channels.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/domain/balance"
	"github.com/copychief/relay/internal/domain/usage"
	"github.com/copychief/relay/internal/metrics"
)

const cacheKeyPrefix = "copychief:balance:"

// Reservation is a live hold against an account's available balance.
type Reservation struct {
	AccountID string
	Tokens    int64
}

// Service is the token ledger.
type Service struct {
	ents     EntitlementStore
	resv     ReservationStore
	cache    cacheStore
	cacheTTL time.Duration
	observer BalanceObserver
	retrier  *retrier
	logger   *zap.Logger
}

// New creates a ledger service. The commit retrier is created stopped; call
// Start before serving traffic.
func New(ents EntitlementStore, resv ReservationStore, logger *zap.Logger) *Service {
	s := &Service{
		ents:   ents,
		resv:   resv,
		logger: logger,
	}
	s.retrier = newRetrier(s, defaultRetryDelay, defaultRetryQueueSize, logger)
	return s
}

// WithCache attaches a balance read cache with the given TTL.
func (s *Service) WithCache(cache cacheStore, ttl time.Duration) *Service {
	s.cache = cache
	s.cacheTTL = ttl
	return s
}

// WithObserver attaches a balance-change observer.
func (s *Service) WithObserver(obs BalanceObserver) *Service {
	s.observer = obs
	return s
}

// WithRetryPolicy overrides the async commit retry settings.
func (s *Service) WithRetryPolicy(delay time.Duration, queueSize int) *Service {
	s.retrier = newRetrier(s, delay, queueSize, s.logger)
	return s
}

// Start launches the async commit retry worker.
func (s *Service) Start(ctx context.Context) {
	s.retrier.start(ctx)
}

// Stop drains the retry worker.
func (s *Service) Stop() {
	s.retrier.stop()
}

// GetAvailable returns the account's balance snapshot, served from the read
// cache when fresh. Callers that can tolerate up to cacheTTL of staleness use
// this; the reservation gate reads the store directly.
func (s *Service) GetAvailable(ctx context.Context, accountID string) (balance.Balance, error) {
	if b, ok := s.cachedBalance(ctx, accountID); ok {
		return b, nil
	}

	b, err := s.ents.ReadBalance(ctx, accountID)
	if err != nil {
		return balance.Balance{}, fmt.Errorf("get available: %w", err)
	}

	s.cacheBalance(ctx, accountID, b)
	return b, nil
}

// EstimateCost returns the static pre-flight token estimate for a feature.
func (s *Service) EstimateCost(feature usage.Feature) (int64, error) {
	est, err := usage.EstimateCost(feature)
	if err != nil {
		return 0, fmt.Errorf("estimate cost: %w", err)
	}
	return est, nil
}

// ReserveAndCheck atomically holds the estimated cost against the account's
// available balance. Fails closed: when the estimate exceeds what is left
// after other in-flight reservations, the hold is rolled back and the
// expensive call must not be attempted.
func (s *Service) ReserveAndCheck(ctx context.Context, accountID string, estimate int64) (Reservation, error) {
	// Authoritative read, bypassing the read cache. The gate must not pass on
	// stale data.
	b, err := s.ents.ReadBalance(ctx, accountID)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: %w", err)
	}

	reservedTotal, err := s.resv.Add(ctx, accountID, estimate)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: %w", err)
	}

	if reservedTotal > b.Available() {
		// Roll back our own hold; concurrent holders keep theirs.
		if rerr := s.resv.Release(ctx, accountID, estimate); rerr != nil {
			s.logger.Error("failed to roll back denied reservation",
				zap.String("account_id", accountID),
				zap.Int64("tokens", estimate),
				zap.Error(rerr),
			)
		}
		remaining := b.Available() - (reservedTotal - estimate)
		if remaining < 0 {
			remaining = 0
		}
		return Reservation{}, domain.NewInsufficientTokens(estimate, remaining)
	}

	return Reservation{AccountID: accountID, Tokens: estimate}, nil
}

// Release abandons a reservation without committing usage (provider failure
// path).
func (s *Service) Release(ctx context.Context, res Reservation) {
	if res.Tokens == 0 {
		return
	}
	if err := s.resv.Release(ctx, res.AccountID, res.Tokens); err != nil {
		s.logger.Error("failed to release reservation",
			zap.String("account_id", res.AccountID),
			zap.Int64("tokens", res.Tokens),
			zap.Error(err),
		)
	}
}

// CommitUsage converts a reservation into committed consumption using actual
// token counts, appends the usage audit record, and notifies the observer.
// Called exactly once per finished exchange. Persistence failures are handed
// to the async retry worker; they never surface to the request path because
// the user already has their answer.
func (s *Service) CommitUsage(
	ctx context.Context, res Reservation,
	promptTokens, completionTokens int64,
	feature usage.Feature, estimated bool,
) {
	rec := usage.Record{
		AccountID:        res.AccountID,
		Feature:          feature,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Estimated:        estimated,
		Timestamp:        time.Now().UnixMilli(),
	}

	job := commitJob{rec: rec, commitBalance: true, appendUsage: true}
	err := s.applyCommit(ctx, &job)

	// The hold comes off only after consumption landed, so a concurrent
	// ReserveAndCheck always sees the hold or the new consumption, never
	// neither. A failed commit still releases: a store outage must not keep
	// the balance pinned, and the async retry reconciles the books.
	s.Release(ctx, res)
	s.invalidateCache(ctx, res.AccountID)

	if err != nil {
		s.logger.Error("usage commit failed, scheduling async retry",
			zap.String("account_id", res.AccountID),
			zap.Int64("tokens", rec.Total()),
			zap.Error(err),
		)
		s.retrier.enqueue(job)
		return
	}

	metrics.TokensConsumedTotal.WithLabelValues(string(feature), "prompt").Add(float64(promptTokens))
	metrics.TokensConsumedTotal.WithLabelValues(string(feature), "completion").Add(float64(completionTokens))
}

// applyCommit performs the two persistence legs of a commit, clearing each
// flag as it succeeds so retries only redo the failed leg.
func (s *Service) applyCommit(ctx context.Context, job *commitJob) error {
	if job.commitBalance {
		reason := "consumption:" + string(job.rec.Feature)
		newBal, err := s.ents.AddConsumed(ctx, job.rec.AccountID, job.rec.Total(), reason, job.rec.AccountID)
		if err != nil {
			return fmt.Errorf("commit balance: %w", err)
		}
		job.commitBalance = false

		if s.observer != nil {
			s.observer.BalanceChanged(job.rec.AccountID, newBal)
		}
	}

	if job.appendUsage {
		if err := s.ents.AppendUsage(ctx, job.rec); err != nil {
			return fmt.Errorf("append usage: %w", err)
		}
		job.appendUsage = false
	}

	return nil
}

func (s *Service) cachedBalance(ctx context.Context, accountID string) (balance.Balance, bool) {
	if s.cache == nil {
		return balance.Balance{}, false
	}

	data, err := s.cache.Get(ctx, cacheKeyPrefix+accountID)
	if err != nil {
		return balance.Balance{}, false
	}

	var snap balanceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return balance.Balance{}, false
	}
	return balance.New(snap.Monthly, snap.Extra, snap.Consumed), true
}

func (s *Service) cacheBalance(ctx context.Context, accountID string, b balance.Balance) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(balanceSnapshot{
		Monthly:  b.Monthly(),
		Extra:    b.Extra(),
		Consumed: b.Consumed(),
	})
	if err != nil {
		return
	}
	if err := s.cache.SetWithTTL(ctx, cacheKeyPrefix+accountID, data, s.cacheTTL); err != nil {
		s.logger.Debug("balance cache write failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (s *Service) invalidateCache(ctx context.Context, accountID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKeyPrefix+accountID); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("balance cache invalidation failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

// balanceSnapshot is the cache wire format.
type balanceSnapshot struct {
	Monthly  int64 `json:"monthly"`
	Extra    int64 `json:"extra"`
	Consumed int64 `json:"consumed"`
}
