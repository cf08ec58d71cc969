// Package fakeclock provides a controllable Clock implementation for testing.
package fakeclock

import (
	"context"
	"sync"
	"time"

	"github.com/acolita/clihost/internal/ports"
)

// Clock is a fake clock whose time only moves when Advance is called.
// Sleepers, After channels and tickers fire as Advance crosses their deadlines.
type Clock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	waiters []*waiter
	tickers []*fakeTicker
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	c := &Clock{current: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep blocks until Advance moves the clock past now+d, or ctx is done.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	ch, w := c.addWaiter(d)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.removeWaiter(w)
		return ctx.Err()
	}
}

// After returns a channel that receives the time after duration d.
// The channel fires when Advance() is called past the deadline.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	ch, _ := c.addWaiter(d)
	return ch
}

func (c *Clock) addWaiter(d time.Duration) (chan time.Time, *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch, nil
	}
	w := &waiter{deadline: c.current.Add(d), ch: ch}
	c.waiters = append(c.waiters, w)
	c.cond.Broadcast()
	return ch, w
}

func (c *Clock) removeWaiter(w *waiter) {
	if w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// NewTicker returns a ticker that fires each time Advance crosses an interval.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{
		clock:    c,
		interval: d,
		next:     c.current.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by duration d, firing any waiters.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	now := c.current

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !now.Before(w.deadline) {
			w.ch <- now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining

	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		for !now.Before(t.next) {
			t.next = t.next.Add(t.interval)
			select {
			case t.ch <- now:
			default:
			}
		}
	}
}

// BlockUntil blocks until at least n sleepers or After channels are pending.
// Tests use it to avoid racing Advance against the code under test.
func (c *Clock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.cond.Wait()
	}
}

// Waiters returns the number of pending sleepers and After channels.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type fakeTicker struct {
	clock    *Clock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

// Ensure Clock implements ports.Clock.
var _ ports.Clock = (*Clock)(nil)
