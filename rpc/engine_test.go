package rpc

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binrpc/message"
)

// fakeSender records requests and optionally answers them.
type fakeSender struct {
	mu     sync.Mutex
	reqs   []*message.RPCRequest
	err    error
	onSend func(*message.RPCRequest)
}

func (s *fakeSender) Send(msg message.Message) error {
	req := msg.(*message.RPCRequest)
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.reqs = append(s.reqs, req)
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend(req)
	}
	return nil
}

func (s *fakeSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

var addName = ServiceName{Module: "arith", Signature: "Add(int,int)", Version: 1}

func newEngine(s Sender, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(zap.NewNop()), WithName("test")}, opts...)
	return NewEngine(s, opts...)
}

func TestCallSuccess(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	sender.onSend = func(req *message.RPCRequest) {
		go e.OnResponse(req.RequestID, message.CodeSuccess, append([]byte("re:"), req.Args...))
	}

	ret, err := e.Call(context.Background(), addName, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "re:x", string(ret))
	assert.Zero(t, e.Pending())

	require.Equal(t, 1, sender.sent())
	assert.Equal(t, uint32(1), sender.reqs[0].RequestID, "first request ID is 1")
	assert.Equal(t, addName, sender.reqs[0].Service)
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)

	// Collect 50 requests and answer them in reverse order.
	const n = 50
	reqs := make(chan *message.RPCRequest, n)
	sender.onSend = func(req *message.RPCRequest) { reqs <- req }
	go func() {
		batch := make([]*message.RPCRequest, 0, n)
		for len(batch) < n {
			batch = append(batch, <-reqs)
		}
		for i := len(batch) - 1; i >= 0; i-- {
			e.OnResponse(batch[i].RequestID, message.CodeSuccess, batch[i].Args)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arg := []byte{byte(i)}
			ret, err := e.Call(context.Background(), addName, arg)
			assert.NoError(t, err)
			assert.Equal(t, arg, ret)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, e.Pending())
}

func TestOverloadRejectsWithoutSending(t *testing.T) {
	sender := &fakeSender{}
	reg := prometheus.NewRegistry()
	e := newEngine(sender, WithRegisterer(reg))

	for i := 0; i < DefaultMaxPending; i++ {
		_, err := e.Go(addName, nil, func([]byte) {})
		require.NoError(t, err)
	}
	require.Equal(t, 100, e.Pending())

	_, err := e.Go(addName, nil, func([]byte) {})
	require.ErrorIs(t, err, ErrOverloaded)
	var overloaded *OverloadedError
	require.ErrorAs(t, err, &overloaded)
	assert.Equal(t, addName, overloaded.Service)

	_, err = e.Call(context.Background(), addName, nil)
	require.ErrorIs(t, err, ErrOverloaded)

	assert.Equal(t, 100, sender.sent(), "overloaded calls must not be sent")
	assert.Equal(t, 100, e.Pending())
	assert.Equal(t, uint64(2), e.Drops())
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.dropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "binrpc_rpc_pending_calls")
	assert.Contains(t, names, "binrpc_rpc_dropped_calls_total")
}

func TestCallTimeoutRemovesEntry(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender, WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := e.Call(context.Background(), addName, nil)
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, uint32(1), timeout.RequestID)
	assert.Zero(t, e.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.timeouts))

	// The late response finds nothing and is discarded.
	e.OnResponse(1, message.CodeSuccess, []byte("late"))
	assert.Zero(t, e.Pending())
}

func TestCallTimeoutWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	sender := &fakeSender{}
	e := newEngine(sender, WithClock(mock))

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), addName, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return sender.sent() == 1 }, time.Second, time.Millisecond)

	// Give Await a moment to create its timer before advancing.
	time.Sleep(10 * time.Millisecond)
	mock.Add(DefaultCallTimeout)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCallTimeout)
	case <-time.After(time.Second):
		t.Fatal("call did not time out")
	}
}

func TestCallRemoteError(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	sender.onSend = func(req *message.RPCRequest) {
		go e.OnResponse(req.RequestID, message.CodeApplication, []byte("division by zero"))
	}

	_, err := e.Call(context.Background(), addName, nil)
	require.ErrorIs(t, err, ErrRemote)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, message.CodeApplication, remote.Code)
	assert.Equal(t, "division by zero", remote.Message)
	assert.Zero(t, e.Pending())
}

func TestCallContextCancel(t *testing.T) {
	e := newEngine(&fakeSender{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Call(ctx, addName, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, e.Pending())
}

func TestSendFailureRemovesEntry(t *testing.T) {
	boom := errors.New("broken pipe")
	e := newEngine(&fakeSender{err: boom})

	_, err := e.Go(addName, nil, func([]byte) {})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, e.Pending())
}

func TestCallbackSuccess(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)

	got := make(chan []byte, 1)
	call, err := e.Go(addName, nil, func(ret []byte) { got <- ret })
	require.NoError(t, err)
	assert.Equal(t, 1, e.Pending())

	e.OnResponse(call.RequestID, message.CodeSuccess, []byte("ok"))
	assert.Equal(t, "ok", string(<-got))
	assert.Zero(t, e.Pending())
	assert.Equal(t, CallCompleted, call.State)

	// A duplicate response is ignored.
	e.OnResponse(call.RequestID, message.CodeSuccess, []byte("again"))
	assert.Empty(t, got)
}

func TestCallbackRemoteErrorDropsCallback(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)

	called := false
	call, err := e.Go(addName, nil, func([]byte) { called = true })
	require.NoError(t, err)

	e.OnResponse(call.RequestID, message.CodeInternal, nil)
	assert.False(t, called, "callback must not run on remote error")
	assert.Zero(t, e.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.remote))
}

func TestCallbackExpires(t *testing.T) {
	mock := clock.NewMock()
	e := newEngine(&fakeSender{}, WithClock(mock), WithCallTimeout(time.Second))

	called := false
	_, err := e.Go(addName, nil, func([]byte) { called = true })
	require.NoError(t, err)
	require.Equal(t, 1, e.Pending())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return e.Pending() == 0 }, time.Second, time.Millisecond)
	assert.False(t, called)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.timeouts))
}

func TestCallbackPanicIsContained(t *testing.T) {
	e := newEngine(&fakeSender{})
	call, err := e.Go(addName, nil, func([]byte) { panic("bad callback") })
	require.NoError(t, err)

	assert.NotPanics(t, func() { e.OnResponse(call.RequestID, message.CodeSuccess, nil) })
	assert.Zero(t, e.Pending())
}

func TestRequestIDsIncrease(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	for i := 0; i < 5; i++ {
		call, err := e.Go(addName, nil, func([]byte) {})
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), call.RequestID)
	}
}

func TestRequestIDWrapSkipsPending(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)

	busy, err := e.Go(addName, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), busy.RequestID)

	e.nextID.Store(math.MaxUint32 - 1)
	ids := make([]uint32, 0, 3)
	for i := 0; i < 3; i++ {
		call, err := e.Go(addName, nil, nil)
		require.NoError(t, err)
		ids = append(ids, call.RequestID)
	}
	// 1 仍在等待响应，回绕后必须跳过
	assert.Equal(t, []uint32{math.MaxUint32, 0, 2}, ids)
	assert.Equal(t, 4, e.Pending())
}

func TestDuplicateResponseDiscarded(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	sender.onSend = func(req *message.RPCRequest) {
		e.OnResponse(req.RequestID, message.CodeSuccess, []byte("first"))
		e.OnResponse(req.RequestID, message.CodeApplication, []byte("second"))
	}

	var ret []byte
	require.NotPanics(t, func() {
		var err error
		ret, err = e.Call(context.Background(), addName, nil)
		require.NoError(t, err)
	})
	assert.Equal(t, "first", string(ret))
	assert.Zero(t, e.Pending())

	// 已移除的调用再收到响应同样被丢弃
	assert.NotPanics(t, func() { e.OnResponse(1, message.CodeSuccess, nil) })
}

func TestEnginesShareCollectorsByName(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newEngine(&fakeSender{}, WithRegisterer(reg))
	var b *Engine
	require.NotPanics(t, func() { b = newEngine(&fakeSender{}, WithRegisterer(reg)) })

	_, err := a.Go(addName, nil, nil)
	require.NoError(t, err)
	_, err = b.Go(addName, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.pending))

	other := newEngine(&fakeSender{}, WithRegisterer(reg), WithName("other"))
	assert.Zero(t, testutil.ToFloat64(other.metrics.pending))
	n, err := testutil.GatherAndCount(reg, "binrpc_rpc_pending_calls")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
