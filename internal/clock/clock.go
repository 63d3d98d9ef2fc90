// Package clock abstracts time so deadline logic (order ack timeouts,
// watch/armed purges) is testable against a simulated clock and replayable
// in backtests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time to deadline checks.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Sim is a manually advanced clock for tests and replay.
type Sim struct {
	mu  sync.Mutex
	now time.Time
}

func NewSim(start time.Time) *Sim {
	return &Sim{now: start}
}

func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward.
func (s *Sim) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// Set jumps the clock to t, used when replaying historical bars.
func (s *Sim) Set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}
