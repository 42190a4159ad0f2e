// Package balance models one account's token economy: a renewable monthly
// allowance, non-expiring purchased credits, and a monotonic consumed counter
// that resets with the billing cycle.
package balance

// Severity classifies how close an account is to exhausting its balance.
type Severity string

// Severity levels, advisory to the UI layer only. Enforcement happens in the
// ledger's reserve gate, never here.
const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds for the usage-percentage severity bands.
const (
	warningThreshold  = 0.5
	criticalThreshold = 0.9
)

// Balance is an immutable snapshot of an account's token entitlement.
type Balance struct {
	monthly  int64
	extra    int64
	consumed int64
}

// New creates a Balance snapshot. Negative inputs are clamped to zero.
func New(monthly, extra, consumed int64) Balance {
	if monthly < 0 {
		monthly = 0
	}
	if extra < 0 {
		extra = 0
	}
	if consumed < 0 {
		consumed = 0
	}
	return Balance{monthly: monthly, extra: extra, consumed: consumed}
}

// Monthly returns the monthly allowance for the current cycle.
func (b Balance) Monthly() int64 { return b.monthly }

// Extra returns the non-expiring purchased credits.
func (b Balance) Extra() int64 { return b.extra }

// Consumed returns tokens consumed since the cycle reset.
func (b Balance) Consumed() int64 { return b.consumed }

// Available returns max(0, monthly + extra - consumed). Never negative.
func (b Balance) Available() int64 {
	avail := b.monthly + b.extra - b.consumed
	if avail < 0 {
		return 0
	}
	return avail
}

// MonthlyUsed returns the part of consumption covered by the monthly
// allowance. The allowance is always drawn down before purchased credits.
func (b Balance) MonthlyUsed() int64 {
	if b.consumed < b.monthly {
		return b.consumed
	}
	return b.monthly
}

// ExtraUsed returns the part of consumption covered by purchased credits.
func (b Balance) ExtraUsed() int64 {
	used := b.consumed - b.monthly
	if used < 0 {
		return 0
	}
	if used > b.extra {
		return b.extra
	}
	return used
}

// UsagePercent returns consumed/(monthly+extra) in [0, 1].
// A zero-capacity balance counts as fully used.
func (b Balance) UsagePercent() float64 {
	capacity := b.monthly + b.extra
	if capacity <= 0 {
		return 1
	}
	pct := float64(b.consumed) / float64(capacity)
	if pct > 1 {
		return 1
	}
	return pct
}

// SeverityLevel classifies the snapshot into ok/warning/critical bands.
func (b Balance) SeverityLevel() Severity {
	if b.Available() == 0 || b.UsagePercent() >= criticalThreshold {
		return SeverityCritical
	}
	if b.UsagePercent() >= warningThreshold {
		return SeverityWarning
	}
	return SeverityOK
}
