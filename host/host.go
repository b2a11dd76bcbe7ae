// Package host carries the process-wide runtime shared by clients and
// servers: the task scheduler, logger, clock and metrics registerer.
package host

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"binrpc/scheduler"
)

type Option func(*Host)

func WithLogger(l *zap.Logger) Option { return func(h *Host) { h.Logger = l } }

func WithClock(c clock.Clock) Option { return func(h *Host) { h.Clock = c } }

// WithMetrics registers component collectors with reg. Without it metrics
// are collected but not exported.
func WithMetrics(reg prometheus.Registerer) Option { return func(h *Host) { h.Metrics = reg } }

type Host struct {
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger
	Clock     clock.Clock
	Metrics   prometheus.Registerer

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

func New(opts ...Option) *Host {
	h := &Host{
		Logger: zap.L(),
		Clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Scheduler = scheduler.New(scheduler.WithClock(h.Clock), scheduler.WithLogger(h.Logger))
	return h
}

// OnShutdown registers fn to run during Shutdown. Hooks run in reverse
// registration order, before the scheduler stops.
func (h *Host) OnShutdown(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, fn)
}

// Shutdown runs the shutdown hooks and stops the scheduler. Errors from all
// hooks are combined.
func (h *Host) Shutdown() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}
	h.Scheduler.Shutdown()
	h.Logger.Debug("host stopped", zap.Int("hooks", len(closers)), zap.Error(err))
	return err
}
