package ns

import (
	"sync"
	"time"
)

// Scheduler paces outbound requests for one rate-limited resource. Queued
// work runs in FIFO order, at most one item per interval; the first item
// after an idle period runs immediately.
type Scheduler struct {
	interval time.Duration

	mu      sync.Mutex
	queue   []func()
	running bool
	stopped bool
	stop    chan struct{}
}

// NewScheduler creates a scheduler emitting at most one queued item per
// interval.
func NewScheduler(interval time.Duration) *Scheduler {
	return &Scheduler{
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Enqueue adds work to the queue and starts the drain loop if idle.
func (s *Scheduler) Enqueue(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.stopped || len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()

		select {
		case <-time.After(s.interval):
		case <-s.stop:
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

// Stop discards queued work and halts the drain loop. The scheduler cannot
// be reused afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.stop)
}

// Pending returns the number of queued items.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
