package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T, c clock.Clock) *Scheduler {
	s := New(WithClock(c), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(s.Shutdown)
	return s
}

func TestQueueRunsInOrder(t *testing.T) {
	s := newTestScheduler(t, clock.New())
	q := s.Queue("order")

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, q.Execute(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestQueueGetOrCreate(t *testing.T) {
	s := newTestScheduler(t, clock.New())
	assert.Same(t, s.Queue("a"), s.Queue("a"))
	assert.NotSame(t, s.Queue("a"), s.Queue("b"))
	assert.Equal(t, "a", s.Queue("a").Name())
}

func TestRunAfterWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	s := newTestScheduler(t, mock)
	q := s.Queue("delayed")

	var fired atomic.Int32
	task := q.RunAfter(2*time.Second, func() { fired.Add(1) })

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fired.Load(), "task ran before its delay")

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, task.Cancel(), "cancel after run should report false")
}

func TestRunAfterCancel(t *testing.T) {
	mock := clock.NewMock()
	s := newTestScheduler(t, mock)
	q := s.Queue("cancel")

	var fired atomic.Int32
	task := q.RunAfter(time.Second, func() { fired.Add(1) })
	require.True(t, task.Cancel())
	require.False(t, task.Cancel())

	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestRunEvery(t *testing.T) {
	mock := clock.NewMock()
	s := newTestScheduler(t, mock)
	q := s.Queue("periodic")

	var fired atomic.Int32
	task := q.RunEvery(time.Second, func() { fired.Add(1) })

	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		want := int32(i)
		require.Eventually(t, func() bool { return fired.Load() == want }, time.Second, 5*time.Millisecond)
	}

	task.Cancel()
	mock.Add(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load())
}

func TestRunWithFixedDelay(t *testing.T) {
	mock := clock.NewMock()
	s := newTestScheduler(t, mock)
	q := s.Queue("fixed-delay")

	ran := make(chan time.Time, 8)
	task := q.RunWithFixedDelay(time.Second, func() {
		ran <- mock.Now()
		// 任务本身耗时 5 秒，下一次应从结束时刻起算
		mock.Add(5 * time.Second)
	})

	mock.Add(time.Second)
	first := <-ran
	assert.Equal(t, time.Unix(1, 0).UTC(), first.UTC())

	// 下一次在 first+5s+1s 触发
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return len(ran) > 0
	}, time.Second, 5*time.Millisecond)
	second := <-ran
	assert.GreaterOrEqual(t, second.Sub(first), 6*time.Second)

	assert.True(t, task.Cancel())
	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ran)
}

func TestTaskPanicDoesNotStopQueue(t *testing.T) {
	s := newTestScheduler(t, clock.New())
	q := s.Queue("panics")

	done := make(chan struct{})
	require.NoError(t, q.Execute(func() { panic("boom") }))
	require.NoError(t, q.Execute(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue stopped after a panicking task")
	}
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	mock := clock.NewMock()
	s := New(WithClock(mock), WithLogger(zaptest.NewLogger(t)))
	q := s.Queue("drain")

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Execute(func() { ran.Add(1) }))
	}
	var delayed atomic.Int32
	q.RunAfter(time.Second, func() { delayed.Add(1) })

	s.Shutdown()
	assert.Equal(t, int32(10), ran.Load())
	assert.ErrorIs(t, q.Execute(func() {}), ErrClosed)

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, delayed.Load(), "timer survived shutdown")

	late := s.Queue("late")
	assert.ErrorIs(t, late.Execute(func() {}), ErrClosed)
	s.Shutdown()
}
