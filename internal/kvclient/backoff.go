package kvclient

import "time"

// Backoff is the (initialBackoff, maxBackoff) doubling scheme of §4.4: clear
// on a successful advertisement, double (capped at max) on failure. Kept
// local rather than an external library since nothing in the pack carries a
// single-step synchronous doubling backoff (see DESIGN.md).
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Ready reports whether enough time has passed since lastAttempt for another
// attempt to be made.
func (b *Backoff) Ready(lastAttempt, now time.Time) bool {
	if lastAttempt.IsZero() {
		return true
	}
	return now.Sub(lastAttempt) >= b.current
}

func (b *Backoff) Succeed() { b.current = b.initial }

func (b *Backoff) Fail() {
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
}
