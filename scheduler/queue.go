package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Queue executes tasks one at a time on its own goroutine.
type Queue struct {
	name   string
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	tasks  []func()
	timers map[*Task]struct{}
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newQueue(name string, c clock.Clock, logger *zap.Logger) *Queue {
	q := &Queue{
		name:   name,
		clock:  c,
		logger: logger.With(zap.String("queue", name)),
		timers: make(map[*Task]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) Name() string { return q.name }

// Execute enqueues fn to run after all previously submitted tasks.
func (q *Queue) Execute(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	q.signal()
	return nil
}

// RunAfter enqueues fn once d has elapsed. Cancelling the returned task
// before it runs prevents it from running.
func (q *Queue) RunAfter(d time.Duration, fn func()) *Task {
	t := &Task{queue: q, stop: make(chan struct{})}
	if !q.track(t) {
		t.cancelled.Store(true)
		return t
	}

	t.mu.Lock()
	t.timer = q.clock.AfterFunc(d, func() {
		q.untrack(t)
		if t.cancelled.Load() {
			return
		}
		if err := q.Execute(func() {
			// Claim the task so a late Cancel reports false.
			if t.cancelled.CompareAndSwap(false, true) {
				fn()
			}
		}); err != nil {
			q.logger.Debug("delayed task dropped", zap.Error(err))
		}
	})
	t.mu.Unlock()
	return t
}

// RunEvery enqueues fn every interval until the task is cancelled or the
// queue shuts down. Ticks that arrive while fn is still queued are not
// coalesced.
func (q *Queue) RunEvery(interval time.Duration, fn func()) *Task {
	t := &Task{queue: q, stop: make(chan struct{})}
	if !q.track(t) {
		t.cancelled.Store(true)
		return t
	}

	ticker := q.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if t.cancelled.Load() {
					return
				}
				_ = q.Execute(func() {
					if !t.cancelled.Load() {
						fn()
					}
				})
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// RunWithFixedDelay enqueues fn after delay and again delay after each run
// finishes, until the task is cancelled or the queue shuts down.
func (q *Queue) RunWithFixedDelay(delay time.Duration, fn func()) *Task {
	t := &Task{queue: q, stop: make(chan struct{})}
	if !q.track(t) {
		t.cancelled.Store(true)
		return t
	}
	q.armFixedDelay(t, delay, fn)
	return t
}

func (q *Queue) armFixedDelay(t *Task, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		return
	}
	t.timer = q.clock.AfterFunc(delay, func() {
		if t.cancelled.Load() {
			return
		}
		if err := q.Execute(func() {
			if t.cancelled.Load() {
				return
			}
			fn()
			q.armFixedDelay(t, delay, fn)
		}); err != nil {
			q.logger.Debug("fixed-delay task dropped", zap.Error(err))
		}
	})
}

// Shutdown cancels pending timers, lets already queued tasks finish and
// waits for the queue goroutine to exit. It must not be called from a task
// running on the same queue.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	timers := q.timers
	q.timers = make(map[*Task]struct{})
	q.mu.Unlock()

	for t := range timers {
		t.Cancel()
	}
	q.signal()
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) track(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.timers[t] = struct{}{}
	return true
}

func (q *Queue) untrack(t *Task) {
	q.mu.Lock()
	delete(q.timers, t)
	q.mu.Unlock()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.tasks
		q.tasks = nil
		q.mu.Unlock()

		for _, fn := range batch {
			q.safeRun(fn)
		}
	}
}

func (q *Queue) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
