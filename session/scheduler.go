package session

import (
	"sync"
	"time"
)

// TimerID identifies a scheduled timer. The zero value never refers to a live
// timer, so cancelling it is always a safe no-op.
type TimerID uint64

// Scheduler runs callbacks once after a fixed delay. Timers are single-shot
// and cancellable; cancelling an already-fired or already-cancelled timer
// must be idempotent.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) TimerID
	Cancel(id TimerID)
}

type clockScheduler struct {
	mu     sync.Mutex
	nextID TimerID
	timers map[TimerID]*time.Timer
}

// NewScheduler returns a Scheduler backed by the wall clock.
func NewScheduler() Scheduler {
	return &clockScheduler{timers: make(map[TimerID]*time.Timer)}
}

func (s *clockScheduler) Schedule(delay time.Duration, fn func()) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		// A cancel that raced the firing wins.
		if live {
			fn()
		}
	})
	return id
}

func (s *clockScheduler) Cancel(id TimerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}
