// Package rpc correlates remote calls with their responses and builds
// client-side service proxies.
//
// Every call gets a fresh request ID and an entry in the pending table
// before the request is written. The connection's read goroutine hands each
// RPCResponse to OnResponse, which finds the entry by ID and either wakes
// the blocked caller or runs the caller's callback.
//
//	caller-1 ──Call(id=1)──┐                 ┌── pending[1] → caller-1 wakes
//	caller-2 ──Call(id=2)──┼──→ Sender ··· ──┤
//	caller-3 ──Go(id=3,cb)─┘   OnResponse    └── pending[3] → cb(return)
package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"binrpc/message"
)

const (
	DefaultMaxPending  = 100
	DefaultCallTimeout = 3000 * time.Millisecond
)

// Sender writes a request to the remote endpoint.
type Sender interface {
	Send(msg message.Message) error
}

type Option func(*Engine)

// WithName labels logs and metrics with the owning client's name.
func WithName(name string) Option { return func(e *Engine) { e.name = name } }

// WithMaxPending bounds the pending table.
func WithMaxPending(n int) Option { return func(e *Engine) { e.maxPending = n } }

func WithCallTimeout(d time.Duration) Option { return func(e *Engine) { e.callTimeout = d } }

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRegisterer registers the engine's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(e *Engine) { e.registerer = reg } }

// Engine is the call-correlation table of one client.
type Engine struct {
	sender      Sender
	name        string
	maxPending  int
	callTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	registerer  prometheus.Registerer
	metrics     *metrics

	mu      sync.Mutex
	pending map[uint32]*PendingCall

	nextID atomic.Uint32
	drops  atomic.Uint64
}

func NewEngine(sender Sender, opts ...Option) *Engine {
	e := &Engine{
		sender:      sender,
		name:        "default",
		maxPending:  DefaultMaxPending,
		callTimeout: DefaultCallTimeout,
		clock:       clock.New(),
		logger:      zap.L(),
		pending:     make(map[uint32]*PendingCall),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("rpc").With(zap.String("client", e.name))
	e.metrics = newMetrics(e.registerer, e.name)
	return e
}

// Pending returns the number of calls awaiting a response.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Drops returns how many calls were refused because the table was full.
func (e *Engine) Drops() uint64 { return e.drops.Load() }

func (e *Engine) CallTimeout() time.Duration { return e.callTimeout }

// Go sends a request and returns without waiting. When callback is non-nil
// it receives the return payload of a successful response; the entry is
// evicted if no response arrives within the call timeout. A nil callback
// leaves the call for Await.
func (e *Engine) Go(name ServiceName, args []byte, callback func([]byte)) (*PendingCall, error) {
	e.mu.Lock()
	if len(e.pending) >= e.maxPending {
		e.mu.Unlock()
		e.drops.Add(1)
		e.metrics.dropped.Inc()
		e.logger.Warn("call dropped, pending table full",
			zap.Stringer("service", name), zap.Int("limit", e.maxPending))
		return nil, &OverloadedError{Service: name, Limit: e.maxPending}
	}
	call := &PendingCall{
		RequestID: e.newIDLocked(),
		Service:   name,
		CreatedAt: e.clock.Now(),
		callback:  callback,
		done:      make(chan struct{}),
	}
	e.pending[call.RequestID] = call
	e.metrics.pending.Inc()
	e.mu.Unlock()

	req := &message.RPCRequest{RequestID: call.RequestID, Service: name, Args: args}
	if err := e.sender.Send(req); err != nil {
		e.remove(call)
		return nil, fmt.Errorf("rpc: send %s: %w", name, err)
	}

	if callback != nil {
		e.mu.Lock()
		if e.pending[call.RequestID] == call {
			call.timer = e.clock.AfterFunc(e.callTimeout, func() { e.expire(call) })
		}
		e.mu.Unlock()
	}
	return call, nil
}

// Await blocks until call completes, the call timeout elapses or ctx is
// done. The entry is removed from the table in every case.
func (e *Engine) Await(ctx context.Context, call *PendingCall) ([]byte, error) {
	timer := e.clock.Timer(e.callTimeout)
	defer timer.Stop()

	select {
	case <-call.done:
	case <-timer.C:
		e.remove(call)
		// A response may have completed the call before the removal.
		select {
		case <-call.done:
		default:
			e.metrics.timeouts.Inc()
			return nil, &TimeoutError{Service: call.Service, RequestID: call.RequestID, Timeout: e.callTimeout}
		}
	case <-ctx.Done():
		e.remove(call)
		return nil, ctx.Err()
	}

	e.remove(call)
	e.metrics.duration.Observe(e.clock.Now().Sub(call.CreatedAt).Seconds())
	if call.ErrorCode != message.CodeSuccess {
		e.metrics.remote.Inc()
		return nil, &RemoteError{Service: call.Service, Code: call.ErrorCode, Message: string(call.Return)}
	}
	return call.Return, nil
}

// Call sends a request and waits for its response.
func (e *Engine) Call(ctx context.Context, name ServiceName, args []byte) ([]byte, error) {
	call, err := e.Go(name, args, nil)
	if err != nil {
		return nil, err
	}
	return e.Await(ctx, call)
}

// OnResponse resolves the pending call with the given ID. Responses for
// unknown IDs (late or duplicate) are logged and discarded.
func (e *Engine) OnResponse(id uint32, code int32, ret []byte) {
	e.mu.Lock()
	call, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("response for unknown request", zap.Uint32("request_id", id), zap.Int32("code", code))
		return
	}
	if call.callback == nil {
		// The waiter removes the entry.
		if call.State == CallCompleted {
			e.mu.Unlock()
			e.logger.Debug("duplicate response discarded", zap.Uint32("request_id", id), zap.Int32("code", code))
			return
		}
		call.complete(code, ret)
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	e.metrics.pending.Dec()
	if call.timer != nil {
		call.timer.Stop()
		call.timer = nil
	}
	e.mu.Unlock()

	call.complete(code, ret)
	e.metrics.duration.Observe(e.clock.Now().Sub(call.CreatedAt).Seconds())
	if code != message.CodeSuccess {
		e.metrics.remote.Inc()
		e.logger.Warn("remote error dropped for callback call",
			zap.Uint32("request_id", id), zap.Stringer("service", call.Service),
			zap.Int32("code", code), zap.ByteString("message", ret))
		return
	}
	e.runCallback(call, ret)
}

// HandleResponse is OnResponse for a decoded message.
func (e *Engine) HandleResponse(resp *message.RPCResponse) {
	e.OnResponse(resp.RequestID, resp.ErrorCode, resp.Return)
}

func (e *Engine) runCallback(call *PendingCall, ret []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("callback panicked",
				zap.Uint32("request_id", call.RequestID), zap.Stringer("service", call.Service), zap.Any("panic", r))
		}
	}()
	call.callback(ret)
}

func (e *Engine) expire(call *PendingCall) {
	if !e.remove(call) {
		return
	}
	e.metrics.timeouts.Inc()
	e.logger.Warn("callback call expired",
		zap.Uint32("request_id", call.RequestID), zap.Stringer("service", call.Service),
		zap.Duration("timeout", e.callTimeout))
}

// remove deletes call from the table if it is still there.
func (e *Engine) remove(call *PendingCall) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[call.RequestID] != call {
		return false
	}
	delete(e.pending, call.RequestID)
	e.metrics.pending.Dec()
	if call.timer != nil {
		call.timer.Stop()
		call.timer = nil
	}
	return true
}

// newIDLocked returns the next request ID, skipping IDs still in use after
// the counter wraps.
func (e *Engine) newIDLocked() uint32 {
	for {
		id := e.nextID.Add(1)
		if _, busy := e.pending[id]; !busy {
			return id
		}
	}
}
