package livescan

import (
	"sync"
	"time"
)

// Scheduler holds at most one pending timer per job id.
type Scheduler interface {
	// Schedule arms fire to run once after d. An existing timer for the same
	// job is replaced.
	Schedule(jobID int64, d time.Duration, fire func())

	// Cancel stops the timer for jobID and reports whether one was pending.
	Cancel(jobID int64) bool

	// Pending reports whether a timer for jobID has not fired yet.
	Pending(jobID int64) bool

	// CancelAll stops every pending timer without firing it and returns how
	// many were cancelled.
	CancelAll() int
}

// TimerScheduler is a Scheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// NewTimerScheduler creates an empty TimerScheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[int64]*time.Timer)}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(jobID int64, d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[jobID]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A cancelled or replaced timer may still get here; only the timer
		// currently on record is allowed to fire.
		if s.timers[jobID] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, jobID)
		s.mu.Unlock()

		fire()
	})
	s.timers[jobID] = t
}

// Cancel implements Scheduler.
func (s *TimerScheduler) Cancel(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[jobID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, jobID)
	return true
}

// Pending implements Scheduler.
func (s *TimerScheduler) Pending(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[jobID]
	return ok
}

// CancelAll implements Scheduler.
func (s *TimerScheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.timers)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return n
}
