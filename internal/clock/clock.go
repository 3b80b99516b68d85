// Package clock abstracts the wall clock so that timestamps in responses,
// optimized-route records and ACO run deadlines can be controlled in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used across the service.
type Clock interface {
	Now() time.Time
	NowUnixMilli() int64
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// MockClock is a manually driven clock, safe for concurrent use.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
	// step is added after every Now call when non-zero, so code that polls
	// the clock in a loop observes time passing.
	step time.Duration
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now
	m.now = m.now.Add(m.step)
	return t
}

func (m *MockClock) NowUnixMilli() int64 {
	return m.Now().UnixMilli()
}

// Set moves the clock to t.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock by d. Negative durations move it backwards.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// AutoAdvance makes every subsequent Now call advance the clock by step.
func (m *MockClock) AutoAdvance(step time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = step
}

// Since is time.Since against c.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
