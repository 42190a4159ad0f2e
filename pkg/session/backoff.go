package session

import "time"

const (
	defaultBackoffBase     = time.Second
	defaultBackoffAttempts = 4
)

// Backoff is a bounded exponential backoff: Base, 2*Base, 4*Base, ... for at
// most MaxAttempts tries, then it reports exhaustion. Not safe for concurrent
// use.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int

	attempt int
}

// Next returns the delay before the next attempt, or false when the attempt
// budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base << b.attempt
	b.attempt++
	return d, true
}

// Reset re-arms the backoff after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}
