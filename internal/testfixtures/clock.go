// Package testfixtures provides deterministic clocks, transports, and
// collaborator fakes for tests.
package testfixtures

import (
	"sort"
	"sync"
	"time"

	"github.com/curago/telemed/internal/app"
)

// Clock is a controllable app.Clock: time only moves when a test calls
// Advance, and AfterFunc callbacks fire synchronously during Advance.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
}

type fakeTimer struct {
	clock    *Clock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// NewClock returns a clock initialised to start, or to a fixed reference
// instant when start is the zero value.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	}
	return &Clock{current: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Clock) AfterFunc(d time.Duration, f func()) app.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every due timer in deadline
// order. Callbacks run without the clock lock held, so they may schedule
// new timers.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	due := make([]*fakeTimer, 0, len(c.timers))
	rest := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(now) {
			due = append(due, t)
			continue
		}
		if !t.stopped {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}
