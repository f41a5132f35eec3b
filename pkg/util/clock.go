package util

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is the subset of *time.Timer the settlement expiry needs.
type Timer interface {
	Stop() bool
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time    { return time.After(d) }
func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (RealClock) Now() time.Time                            { return time.Now() }

// ManualClock is a Clock that only moves when Advance is called.
// Timers whose deadline is reached fire synchronously inside Advance, in deadline order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	ch       chan time.Time
	stopped  bool
	fired    bool
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.schedule(d, nil, ch)
	return ch
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.schedule(d, f, nil)
}

func (c *ManualClock) schedule(d time.Duration, f func(), ch chan time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, deadline: c.now.Add(d), fn: f, ch: ch}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer that became due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due, rest []*manualTimer
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		if !t.deadline.After(now) {
			t.fired = true
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		if t.fn != nil {
			t.fn()
		}
		if t.ch != nil {
			t.ch <- now
		}
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
