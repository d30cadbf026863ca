// Package timeutil lets the acquisition loop and dashboards run against a
// real or a manually advanced clock.
package timeutil

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by loops that pace themselves.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// NewTimer fires once after d.
	NewTimer(d time.Duration) Timer
	// NewTicker fires every d until stopped.
	NewTicker(d time.Duration) Ticker
}

// Timer is the subset of *time.Timer used by callers.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker is the subset of *time.Ticker used by callers.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SleepContext waits for d on clock c or until ctx is done, whichever is
// first. It returns ctx.Err() if the wait was cut short.
func SleepContext(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock only moves when Advance or Set is called.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
	// changed is closed and replaced whenever a waiter is registered.
	changed chan struct{}
}

// NewMockClock starts the clock at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t, changed: make(chan struct{})}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Set jumps to t without firing timers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward and fires every timer and ticker whose
// deadline has passed.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()

	for _, w := range waiters {
		w.fire(now)
	}
	c.prune()
}

// Pending reports how many timers and tickers are armed.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if w.active() {
			n++
		}
	}
	return n
}

// WaitForPending blocks until at least n timers or tickers are armed or ctx
// is done. Tests use it to advance the clock only once the code under test
// is waiting.
func (c *MockClock) WaitForPending(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()
		if c.Pending() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.add(d, false)
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return mockTicker{c.add(d, true)}
}

func (c *MockClock) add(d time.Duration, repeat bool) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		period:   d,
		repeat:   repeat,
	}
	c.waiters = append(c.waiters, w)
	close(c.changed)
	c.changed = make(chan struct{})
	if d <= 0 && !repeat {
		w.fire(c.now)
	}
	return w
}

func (c *MockClock) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.active() {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

type mockWaiter struct {
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
	repeat   bool
	stopped  bool
	fired    bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := !w.stopped && !w.fired
	w.stopped = true
	return was
}

func (w *mockWaiter) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped && !w.fired
}

func (w *mockWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fired || now.Before(w.deadline) {
		return
	}
	select {
	case w.ch <- now:
	default:
	}
	if w.repeat && w.period > 0 {
		for !w.deadline.After(now) {
			w.deadline = w.deadline.Add(w.period)
		}
		return
	}
	w.fired = true
}

type mockTicker struct{ w *mockWaiter }

func (t mockTicker) C() <-chan time.Time { return t.w.ch }
func (t mockTicker) Stop()               { t.w.Stop() }
