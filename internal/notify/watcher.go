// Package notify turns committed balance changes into threshold alerts.
// Advisory only: a lost alert never blocks an exchange.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain/balance"
	"github.com/copychief/relay/internal/metrics"
)

// Alert describes a balance severity transition for one account.
type Alert struct {
	AccountID string
	Severity  balance.Severity
	Available int64
	UsedPct   float64
}

// Sink receives severity-transition alerts. Implementations must not block;
// the watcher calls them on the ledger's commit path.
type Sink interface {
	Notify(alert Alert)
}

// Watcher observes balance changes and emits an alert when an account crosses
// into a new severity level. Repeated commits at the same level are
// deliberately silent, so an account burning through its last tokens does not
// page on every message.
type Watcher struct {
	sink   Sink
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]balance.Severity
}

// NewWatcher creates a watcher. sink can be nil; transitions are still logged
// and exported as metrics.
func NewWatcher(sink Sink, logger *zap.Logger) *Watcher {
	return &Watcher{
		sink:   sink,
		logger: logger,
		last:   make(map[string]balance.Severity),
	}
}

// BalanceChanged implements the ledger observer contract.
func (w *Watcher) BalanceChanged(accountID string, b balance.Balance) {
	sev := b.SeverityLevel()
	metrics.BalanceSeverity.WithLabelValues(accountID).Set(severityValue(sev))

	w.mu.Lock()
	prev, seen := w.last[accountID]
	w.last[accountID] = sev
	w.mu.Unlock()

	if seen && prev == sev {
		return
	}
	if !seen && sev == balance.SeverityOK {
		// First sighting of a healthy account is not a transition.
		return
	}

	w.logger.Info("balance severity changed",
		zap.String("account_id", accountID),
		zap.String("severity", string(sev)),
		zap.Int64("available", b.Available()),
		zap.Float64("used_pct", b.UsagePercent()),
	)

	if w.sink != nil {
		w.sink.Notify(Alert{
			AccountID: accountID,
			Severity:  sev,
			Available: b.Available(),
			UsedPct:   b.UsagePercent(),
		})
	}
}

func severityValue(sev balance.Severity) float64 {
	switch sev {
	case balance.SeverityWarning:
		return 1
	case balance.SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Forget drops tracked state for an account, e.g. after a monthly reset, so
// the next crossing alerts again.
func (w *Watcher) Forget(accountID string) {
	w.mu.Lock()
	delete(w.last, accountID)
	w.mu.Unlock()
}
