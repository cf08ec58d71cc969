package feed

import "time"

// Backoff yields exponentially growing reconnect delays.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff returns a backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.max)
	return d
}

// Reset starts over from the initial delay, after a successful connect.
func (b *Backoff) Reset() {
	b.next = b.initial
}
