// Package clock provides the monotonic time source shared by every
// component driven from the scheduler loop.
//
// Components never sleep. They compare elapsed time against their own
// thresholds on every pass, so the clock is the only notion of time they see.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time. Values from the system clock carry a
// monotonic reading, so subtracting two of them never wraps.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Manual is a clock that only moves when told to. Used by tests and by
// deterministic replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set positions the clock at t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Since returns the time elapsed on c since t. A zero t is treated as
// "never happened" and yields the largest duration.
func Since(c Clock, t time.Time) time.Duration {
	if t.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return c.Now().Sub(t)
}

// Due reports whether at least d has elapsed on c since t.
func Due(c Clock, t time.Time, d time.Duration) bool {
	return Since(c, t) >= d
}
