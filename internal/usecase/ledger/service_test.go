package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/domain/balance"
	"github.com/copychief/relay/internal/domain/usage"
)

// --- Mocks ---

type mockEnts struct {
	mu        sync.Mutex
	balances  map[string]*balanceState
	records   []usage.Record
	reads     int
	failAdds  int // fail the next N AddConsumed calls
	failUsage int // fail the next N AppendUsage calls
}

type balanceState struct {
	monthly, extra, consumed int64
}

func newMockEnts() *mockEnts {
	return &mockEnts{balances: make(map[string]*balanceState)}
}

func (m *mockEnts) setBalance(accountID string, monthly, extra, consumed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] = &balanceState{monthly, extra, consumed}
}

func (m *mockEnts) ReadBalance(_ context.Context, accountID string) (balance.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	st, ok := m.balances[accountID]
	if !ok {
		return balance.Balance{}, domain.ErrAccountNotFound
	}
	return balance.New(st.monthly, st.extra, st.consumed), nil
}

func (m *mockEnts) AddConsumed(_ context.Context, accountID string, tokens int64, _, _ string) (balance.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdds > 0 {
		m.failAdds--
		return balance.Balance{}, errors.New("store down")
	}
	st, ok := m.balances[accountID]
	if !ok {
		return balance.Balance{}, domain.ErrAccountNotFound
	}
	st.consumed += tokens
	return balance.New(st.monthly, st.extra, st.consumed), nil
}

func (m *mockEnts) AppendUsage(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUsage > 0 {
		m.failUsage--
		return errors.New("store down")
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockEnts) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockEnts) consumed(accountID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID].consumed
}

type mockResv struct {
	mu        sync.Mutex
	counters  map[string]int64
	onRelease func(accountID string)
}

func newMockResv() *mockResv {
	return &mockResv{counters: make(map[string]int64)}
}

func (m *mockResv) Add(_ context.Context, accountID string, tokens int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[accountID] += tokens
	return m.counters[accountID], nil
}

func (m *mockResv) Release(_ context.Context, accountID string, tokens int64) error {
	if m.onRelease != nil {
		m.onRelease(accountID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[accountID] -= tokens
	return nil
}

func (m *mockResv) Total(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[accountID], nil
}

type mockObserver struct {
	mu    sync.Mutex
	calls []balance.Balance
}

func (m *mockObserver) BalanceChanged(_ string, b balance.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, b)
}

func (m *mockObserver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockCache struct {
	mu     sync.Mutex
	values map[string][]byte
	hits   int
}

func newMockCache() *mockCache {
	return &mockCache{values: make(map[string][]byte)}
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, errors.New("miss")
	}
	m.hits++
	return v, nil
}

func (m *mockCache) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *mockCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// --- Tests ---

func TestReserveAndCheck_InsufficientTokens(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 1000, 0, 999)
	resv := newMockResv()
	svc := New(ents, resv, zap.NewNop())

	_, err := svc.ReserveAndCheck(context.Background(), "acc-1", 2000)
	if !errors.Is(err, domain.ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}

	var ite *domain.InsufficientTokensError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InsufficientTokensError, got %T", err)
	}
	if ite.Required != 2000 || ite.Available != 1 {
		t.Errorf("error = {required:%d, available:%d}, want {2000, 1}", ite.Required, ite.Available)
	}

	// The denied hold must be rolled back.
	total, _ := resv.Total(context.Background(), "acc-1")
	if total != 0 {
		t.Errorf("reservation after denial = %d, want 0", total)
	}
}

func TestReserveAndCheck_Success(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 10000, 0, 0)
	resv := newMockResv()
	svc := New(ents, resv, zap.NewNop())

	res, err := svc.ReserveAndCheck(context.Background(), "acc-1", 1000)
	if err != nil {
		t.Fatalf("ReserveAndCheck: %v", err)
	}
	if res.Tokens != 1000 || res.AccountID != "acc-1" {
		t.Errorf("reservation = %+v", res)
	}

	total, _ := resv.Total(context.Background(), "acc-1")
	if total != 1000 {
		t.Errorf("held tokens = %d, want 1000", total)
	}
}

func TestReserveAndCheck_ConcurrentHoldsReduceHeadroom(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 3000, 0, 0)
	resv := newMockResv()
	svc := New(ents, resv, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.ReserveAndCheck(ctx, "acc-1", 2500); err != nil {
		t.Fatalf("first reservation: %v", err)
	}

	_, err := svc.ReserveAndCheck(ctx, "acc-1", 1000)
	var ite *domain.InsufficientTokensError
	if !errors.As(err, &ite) {
		t.Fatalf("expected denial, got %v", err)
	}
	if ite.Available != 500 {
		t.Errorf("available = %d, want 500 (3000 minus held 2500)", ite.Available)
	}

	// The first hold must survive the second's rollback.
	total, _ := resv.Total(ctx, "acc-1")
	if total != 2500 {
		t.Errorf("held tokens = %d, want 2500", total)
	}
}

func TestCommitUsage_CommitsAndReleases(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 10000, 0, 0)
	resv := newMockResv()
	obs := &mockObserver{}
	svc := New(ents, resv, zap.NewNop()).WithObserver(obs)
	ctx := context.Background()

	res, err := svc.ReserveAndCheck(ctx, "acc-1", 1000)
	if err != nil {
		t.Fatalf("ReserveAndCheck: %v", err)
	}

	svc.CommitUsage(ctx, res, 300, 450, usage.FeatureChatMessage, false)

	if got := ents.consumed("acc-1"); got != 750 {
		t.Errorf("consumed = %d, want 750 (actuals, not the estimate)", got)
	}
	if ents.recordCount() != 1 {
		t.Fatalf("usage records = %d, want 1", ents.recordCount())
	}
	if ents.records[0].Estimated {
		t.Error("record must not be flagged estimated")
	}

	total, _ := resv.Total(ctx, "acc-1")
	if total != 0 {
		t.Errorf("reservation after commit = %d, want 0", total)
	}
	if obs.count() != 1 {
		t.Errorf("observer notified %d times, want 1", obs.count())
	}
}

func TestCommitUsage_AppliesConsumptionBeforeReleasingHold(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 10000, 0, 0)
	resv := newMockResv()

	// Capture what a concurrent reservation would see at the moment the hold
	// comes off: the consumption must already be applied, or the account gets
	// a window with neither hold nor consumption to over-reserve in.
	consumedAtRelease := int64(-1)
	resv.onRelease = func(string) { consumedAtRelease = ents.consumed("acc-1") }

	svc := New(ents, resv, zap.NewNop())
	ctx := context.Background()

	res, err := svc.ReserveAndCheck(ctx, "acc-1", 1000)
	if err != nil {
		t.Fatalf("ReserveAndCheck: %v", err)
	}
	svc.CommitUsage(ctx, res, 300, 450, usage.FeatureChatMessage, false)

	if consumedAtRelease != 750 {
		t.Errorf("consumed at release = %d, want 750 already applied", consumedAtRelease)
	}
}

func TestCommitUsage_RetriesAsynchronously(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 10000, 0, 0)
	ents.failAdds = 2 // first sync attempt + first retry fail
	resv := newMockResv()
	svc := New(ents, resv, zap.NewNop()).WithRetryPolicy(time.Millisecond, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	res, err := svc.ReserveAndCheck(ctx, "acc-1", 1000)
	if err != nil {
		t.Fatalf("ReserveAndCheck: %v", err)
	}

	svc.CommitUsage(ctx, res, 100, 200, usage.FeatureChatMessage, true)

	deadline := time.After(2 * time.Second)
	for ents.consumed("acc-1") != 300 || ents.recordCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("commit never recovered: consumed=%d records=%d",
				ents.consumed("acc-1"), ents.recordCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Reservation is released even while the commit is still retrying.
	total, _ := resv.Total(ctx, "acc-1")
	if total != 0 {
		t.Errorf("reservation = %d, want 0", total)
	}
}

func TestCommitUsage_RetryRedoesOnlyFailedLeg(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 10000, 0, 0)
	ents.failUsage = 1 // balance commit succeeds, usage append fails once
	resv := newMockResv()
	svc := New(ents, resv, zap.NewNop()).WithRetryPolicy(time.Millisecond, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	res, _ := svc.ReserveAndCheck(ctx, "acc-1", 1000)
	svc.CommitUsage(ctx, res, 100, 100, usage.FeatureChatMessage, false)

	deadline := time.After(2 * time.Second)
	for ents.recordCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("usage record never appended")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Consumption must not be double-applied by the retry.
	if got := ents.consumed("acc-1"); got != 200 {
		t.Errorf("consumed = %d, want 200", got)
	}
}

func TestGetAvailable_ServedFromCache(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 5000, 1000, 200)
	cache := newMockCache()
	svc := New(ents, newMockResv(), zap.NewNop()).WithCache(cache, 30*time.Second)
	ctx := context.Background()

	b1, err := svc.GetAvailable(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	b2, err := svc.GetAvailable(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}

	if b1 != b2 {
		t.Errorf("snapshots differ: %+v vs %+v", b1, b2)
	}
	if ents.reads != 1 {
		t.Errorf("store reads = %d, want 1 (second read cached)", ents.reads)
	}
	if b1.Available() != 5800 {
		t.Errorf("Available = %d, want 5800", b1.Available())
	}
}

func TestReserveAndCheck_BypassesCache(t *testing.T) {
	ents := newMockEnts()
	ents.setBalance("acc-1", 5000, 0, 0)
	cache := newMockCache()
	svc := New(ents, newMockResv(), zap.NewNop()).WithCache(cache, 30*time.Second)
	ctx := context.Background()

	// Prime the cache, then change the store underneath it.
	if _, err := svc.GetAvailable(ctx, "acc-1"); err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	ents.setBalance("acc-1", 5000, 0, 5000)

	_, err := svc.ReserveAndCheck(ctx, "acc-1", 1000)
	if !errors.Is(err, domain.ErrInsufficientTokens) {
		t.Fatalf("gate used stale cache: %v", err)
	}
}

func TestEstimateCost_UnknownFeature(t *testing.T) {
	svc := New(newMockEnts(), newMockResv(), zap.NewNop())
	if _, err := svc.EstimateCost(usage.Feature("nope")); !errors.Is(err, domain.ErrUnknownFeature) {
		t.Errorf("expected ErrUnknownFeature, got %v", err)
	}
}
