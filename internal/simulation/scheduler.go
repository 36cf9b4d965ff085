package simulation

import (
	"sync"
	"time"
)

// repeatingTask is an owned, cancelable recurring timer. Stop is
// idempotent and safe to call from any goroutine; after Stop returns no
// new invocations of fn begin.
type repeatingTask struct {
	stop chan struct{}
	once sync.Once
}

// startRepeating runs fn every interval until Stop is called.
func startRepeating(interval time.Duration, fn func()) *repeatingTask {
	t := &repeatingTask{stop: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Stop cancels the task.
func (t *repeatingTask) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// timerSet tracks one-shot timers so the owning entity can cancel every
// outstanding delay on destruction. Fired timers remove themselves.
type timerSet struct {
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[*time.Timer]struct{})}
}

// After schedules fn to run once after d. No-op if the set is stopped.
func (s *timerSet) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[timer]
		delete(s.timers, timer)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.timers[timer] = struct{}{}
}

// StopAll cancels every pending timer and rejects further scheduling.
func (s *timerSet) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for timer := range s.timers {
		timer.Stop()
		delete(s.timers, timer)
	}
}
