package hmr

import (
	"sync"
	"time"
)

// Scheduler runs a function once after a quiet period. Every Reset restarts
// the period, so a burst of triggers runs the function once.
type Scheduler struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	pending bool
	// gen invalidates timers that fired after a Cancel or Fire.
	gen uint64
}

// NewScheduler creates an idle scheduler.
func NewScheduler(delay time.Duration, fn func()) *Scheduler {
	return &Scheduler{delay: delay, fn: fn}
}

// Reset (re)starts the delay.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.pending = true
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if gen != s.gen || !s.pending {
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.timer = nil
		s.mu.Unlock()
		s.fn()
	})
}

// Cancel stops a pending run and reports whether one was pending.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked()
}

func (s *Scheduler) cancelLocked() bool {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	wasPending := s.pending
	s.pending = false
	return wasPending
}

// Fire cancels any pending run and runs the function now.
func (s *Scheduler) Fire() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
	s.fn()
}

// Pending reports whether a run is scheduled.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
