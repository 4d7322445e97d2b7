// Package clock abstracts time so polling and reconnect schedules can be
// driven manually in tests. Use RealClock in production and MockClock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time surface the bridge schedules against.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers the time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker that delivers on its channel every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is a periodic time source. Delivery coalesces: a tick arriving while
// the previous one is still unconsumed is dropped, never queued.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock delegates to the time package.
type RealClock struct{}

// NewRealClock creates a RealClock.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}

// MockClock is a manually advanced Clock. Waiters and tickers fire during
// Advance, on the caller's goroutine.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*mockWaiter
	tickers []*mockTicker
}

type mockWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

type mockTicker struct {
	clock    *MockClock
	period   time.Duration
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

// NewMockClock creates a MockClock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &mockWaiter{
		deadline: c.current.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.waiters = append(c.waiters, w)
	return w.ch
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTicker{
		clock:    c,
		period:   d,
		deadline: c.current.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d and fires every waiter and ticker
// whose deadline has passed. Expired tickers re-arm one period past the new
// time; an unconsumed previous tick is dropped.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.current.Add(d)
	c.current = now

	var pending []*mockWaiter
	for _, w := range c.waiters {
		if w.deadline.After(now) {
			pending = append(pending, w)
			continue
		}
		// Buffered one-shot channel, cannot block.
		w.ch <- now
	}
	c.waiters = pending

	for _, t := range c.tickers {
		if t.stopped || t.deadline.After(now) {
			continue
		}
		select {
		case t.ch <- now:
		default:
		}
		t.deadline = now.Add(t.period)
	}
}

func (t *mockTicker) C() <-chan time.Time {
	return t.ch
}

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
