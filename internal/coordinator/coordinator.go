// Package coordinator polls a device's HTTP API on a fixed interval and owns
// the resulting state: one snapshot per device, overwritten wholesale on every
// successful poll and kept stale across failures.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"xtoolbridge/internal/clock"
	"xtoolbridge/internal/xtool"
)

// State is the coordinator's published view of one device.
type State struct {
	// Snapshot is the last successful poll result. Nil until the first
	// success; stale values survive failed polls.
	Snapshot    *xtool.Snapshot
	Available   bool
	LastSuccess time.Time
	LastError   string
	Polls       uint64
}

// UpdateHandler receives the state after every completed poll.
type UpdateHandler func(State)

// Coordinator polls one device and fans each result out to subscribers. A
// single loop goroutine performs every poll, so at most one request cycle is
// in flight; ticks falling due mid-poll coalesce instead of queueing.
type Coordinator struct {
	client   xtool.Client
	interval time.Duration
	logger   *zap.Logger
	clk      clock.Clock

	mu       sync.RWMutex
	state    State
	handlers []UpdateHandler
	running  bool

	refreshCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a coordinator polling client every interval.
func New(client xtool.Client, interval time.Duration, logger *zap.Logger) *Coordinator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Coordinator{
		client:    client,
		interval:  interval,
		logger:    logger.Named("coordinator").With(zap.String("host", client.Host())),
		clk:       clock.NewRealClock(),
		refreshCh: make(chan struct{}, 1),
	}
}

// SetClock sets the clock implementation (useful for testing).
func (c *Coordinator) SetClock(clk clock.Clock) {
	c.clk = clk
}

// Interval returns the configured poll interval.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Subscribe registers a handler invoked after every completed poll. Handlers
// run on the poll goroutine and must not block. Subscribe before Start.
func (c *Coordinator) Subscribe(handler UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// State returns the current published state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start performs one immediate poll, then polls on every interval tick.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	return nil
}

// RequestRefresh schedules an extra poll as soon as the loop is free. Nudges
// arriving while one is already pending coalesce.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.logger.Debug("Coordinator stopped")
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := c.clk.NewTicker(c.interval)
	defer ticker.Stop()

	c.poll()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C():
			c.poll()
		case <-c.refreshCh:
			c.poll()
		}
	}
}

func (c *Coordinator) poll() {
	snap, err := c.client.Snapshot(c.ctx)

	// A poll aborted by shutdown is not a device failure.
	if err != nil && c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	c.state.Polls++
	if err != nil {
		c.state.Available = false
		c.state.LastError = err.Error()
	} else {
		c.state.Snapshot = snap
		c.state.Available = true
		c.state.LastSuccess = c.clk.Now()
		c.state.LastError = ""
	}
	state := c.state
	handlers := make([]UpdateHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Device poll failed", zap.Error(err))
	} else {
		c.logger.Debug("Device poll completed",
			zap.Float64("progress", state.Snapshot.Progress),
			zap.String("working_state", state.Snapshot.WorkingStateLabel))
	}

	for _, handler := range handlers {
		handler(state)
	}
}
