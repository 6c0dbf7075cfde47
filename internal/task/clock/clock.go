// Package clock abstracts wall time for the scheduler so tests can drive
// simulated time with Manual.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock reports the current time and builds timers that fire at an absolute
// instant. Absolute deadlines keep a timer built after Manual.Advance correct.
type Clock interface {
	Now() time.Time
	TimerAt(at time.Time) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) TimerAt(at time.Time) Timer {
	return realTimer{t: time.NewTimer(time.Until(at))}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Manual is a clock that only moves when Advance or Set is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) TimerAt(at time.Time) Timer {
	t := &manualTimer{m: m, at: at, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !at.After(m.now) {
		t.fired = true
		t.ch <- m.now
		return t
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d and fires every timer now due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.setLocked(m.now.Add(d))
	m.mu.Unlock()
}

// Set moves the clock to t; moving backwards is ignored.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.setLocked(t)
	}
	m.mu.Unlock()
}

// Pending returns the number of armed, unfired timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) setLocked(now time.Time) {
	m.now = now
	sort.SliceStable(m.timers, func(i, j int) bool { return m.timers[i].at.Before(m.timers[j].at) })
	keep := m.timers[:0]
	for _, t := range m.timers {
		if t.at.After(now) {
			keep = append(keep, t)
			continue
		}
		t.fired = true
		t.ch <- now
	}
	m.timers = keep
}

func (m *Manual) stop(t *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fired {
		return false
	}
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			t.fired = true
			return true
		}
	}
	return false
}

type manualTimer struct {
	m     *Manual
	at    time.Time
	ch    chan time.Time
	fired bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }
func (t *manualTimer) Stop() bool          { return t.m.stop(t) }
