// Package scheduler provides named single-goroutine task queues with delayed
// and periodic execution.
//
// Each Queue runs its tasks in submission order on one goroutine, so state
// owned by a queue needs no further locking. Different queues run
// concurrently. Timers come from a clock.Clock so tests can drive time with
// clock.NewMock.
package scheduler

import (
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrClosed is returned when a task is submitted to a queue that has shut down.
var ErrClosed = errors.New("scheduler: queue closed")

type Option func(*Scheduler)

// WithClock sets the time source used for delayed and periodic tasks.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler owns a set of named queues.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock.New(),
		logger: zap.L(),
		queues: make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Queue returns the queue registered under name, creating it on first use.
// After Shutdown the returned queue is already closed.
func (s *Scheduler) Queue(name string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		return q
	}
	q := newQueue(name, s.clock, s.logger)
	if s.closed {
		q.Shutdown()
		return q
	}
	s.queues[name] = q
	return q
}

// Shutdown stops every queue and waits for already queued tasks to finish.
// It must not be called from a queue task.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			q.Shutdown()
		}(q)
	}
	wg.Wait()
	s.logger.Debug("scheduler stopped", zap.Int("queues", len(queues)))
}
