// Package dayclock maps wall-clock time onto integer day indices.
//
// A day index is floor(unix seconds / 86400). It is never stored; every call
// that needs "today" recomputes it from the injected Clock.
package dayclock

import (
	"sync"
	"time"
)

// SecondsPerDay is the length of one settlement day.
const SecondsPerDay = 86400

// Clock supplies the current time. The ledger never calls time.Now directly.
type Clock interface {
	Now() time.Time
}

// CurrentDay returns floor(t / 86400) for the unix time of t. Times before
// the epoch map to day 0.
func CurrentDay(t time.Time) uint64 {
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec) / SecondsPerDay
}

// StartOf returns the first second of day.
func StartOf(day uint64) time.Time {
	return time.Unix(int64(day*SecondsPerDay), 0).UTC()
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a settable clock for tests and replay tooling.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
