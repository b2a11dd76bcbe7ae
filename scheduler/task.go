package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

// Task is a handle to a delayed or periodic task.
type Task struct {
	queue *Queue

	mu        sync.Mutex
	timer     *clock.Timer
	stopOnce  sync.Once
	stop      chan struct{}
	cancelled atomic.Bool
}

// Cancel prevents any future run of the task. It reports whether the task
// was still pending; a delayed task that already ran reports false.
func (t *Task) Cancel() bool {
	if t.cancelled.Swap(true) {
		return false
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
	t.queue.untrack(t)
	return true
}
