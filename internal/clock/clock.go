// Package clock abstracts time for the scheduler so firing and backoff can be
// tested deterministically instead of via wall-clock sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time surface the scheduler needs.
//
// After returns a channel that delivers the current time once d has elapsed.
// Implementations must tolerate d <= 0 (deliver immediately).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System returns a Clock backed by the runtime clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return time.After(d)
}

// Manual is a hand-advanced Clock for tests.
//
// Advance moves the clock forward and fires every waiter whose deadline has
// been reached. The zero value is not usable; use NewManual.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and releases due waiters.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	remaining := m.waiters[:0]
	var due []chan time.Time
	for _, w := range m.waiters {
		if !w.at.After(now) {
			due = append(due, w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()

	for _, ch := range due {
		ch <- now
	}
}

// Waiters reports how many After channels are still pending.
// Tests use it to wait for the scheduler loop to park before advancing.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// NextDeadline reports the earliest pending waiter deadline, if any.
// Tests use it to assert how long a caller actually parked for.
func (m *Manual) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	for _, w := range m.waiters {
		if earliest.IsZero() || w.at.Before(earliest) {
			earliest = w.at
		}
	}
	return earliest, !earliest.IsZero()
}
