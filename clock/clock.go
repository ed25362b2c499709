// Package clock provides the timestamp sources used by loadguard.
//
// Timestamps are int64 nanoseconds. Load start timestamps, invalidation
// timestamps and grace-window deadlines must all come from the same Clock,
// otherwise comparisons between them are meaningless.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current timestamp. Implementations must be safe for
// concurrent use and never go backwards.
type Clock interface {
	Now() int64
}

// Monotonic is a wall-derived clock that never returns the same value twice.
// Two calls racing on the same nanosecond are spread apart by one tick.
type Monotonic struct {
	last atomic.Int64
}

var _ Clock = (*Monotonic)(nil)

func NewMonotonic() *Monotonic { return &Monotonic{} }

func (m *Monotonic) Now() int64 {
	for {
		prev := m.last.Load()
		t := time.Now().UnixNano()
		if t <= prev {
			t = prev + 1
		}
		if m.last.CompareAndSwap(prev, t) {
			return t
		}
	}
}

// Manual only moves when told to. Handy for tests that need to pin the
// relative order of loads and invalidations.
type Manual struct {
	t atomic.Int64
}

var _ Clock = (*Manual)(nil)

func NewManual(start int64) *Manual {
	m := &Manual{}
	m.t.Store(start)
	return m
}

func (m *Manual) Now() int64 { return m.t.Load() }

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) int64 { return m.t.Add(int64(d)) }

// Tick moves the clock forward by one nanosecond.
func (m *Manual) Tick() int64 { return m.t.Add(1) }
