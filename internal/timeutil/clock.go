// Package timeutil supplies the time source for the frame driver loop and a
// manually stepped source for tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source the driver loop paces itself on.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// FrameInterval is the spacing between frames at rate frames per second.
// A rate of zero or less means unpaced and yields 0.
func FrameInterval(rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker { return wallTicker{time.NewTicker(d)} }

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// MockClock only moves when Advance is called. Tickers created from it fire
// during Advance, at most one pending tick each.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	stream []*stepTicker
}

// NewMockClock returns a MockClock reading start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance steps the clock by d. Every live ticker whose deadline has passed
// receives the new time and is rescheduled one period later.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	live := c.stream[:0]
	for _, tk := range c.stream {
		if tk.stopped() {
			continue
		}
		live = append(live, tk)
		if c.now.Before(tk.due) {
			continue
		}
		select {
		case tk.ch <- c.now:
		default:
		}
		tk.due = c.now.Add(tk.period)
	}
	c.stream = live
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &stepTicker{ch: make(chan time.Time, 1), period: d, due: c.now.Add(d)}
	c.stream = append(c.stream, tk)
	return tk
}

// stepTicker's due and period are guarded by the owning MockClock.
type stepTicker struct {
	ch     chan time.Time
	period time.Duration
	due    time.Time

	mu   sync.Mutex
	done bool
}

func (t *stepTicker) C() <-chan time.Time { return t.ch }

func (t *stepTicker) Stop() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *stepTicker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
