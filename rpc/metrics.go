package rpc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	pending  prometheus.Gauge
	dropped  prometheus.Counter
	timeouts prometheus.Counter
	remote   prometheus.Counter
	duration prometheus.Histogram
}

// newMetrics builds the engine collectors. A nil registerer leaves them
// unregistered. Engines sharing a client name on one registerer share the
// collectors already registered under that name.
func newMetrics(reg prometheus.Registerer, client string) *metrics {
	labels := prometheus.Labels{"client": client}
	return &metrics{
		pending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "binrpc",
			Subsystem:   "rpc",
			Name:        "pending_calls",
			Help:        "Calls waiting for a response.",
			ConstLabels: labels,
		})),
		dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "binrpc",
			Subsystem:   "rpc",
			Name:        "dropped_calls_total",
			Help:        "Calls refused because the pending table was full.",
			ConstLabels: labels,
		})),
		timeouts: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "binrpc",
			Subsystem:   "rpc",
			Name:        "call_timeouts_total",
			Help:        "Calls evicted without a response.",
			ConstLabels: labels,
		})),
		remote: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "binrpc",
			Subsystem:   "rpc",
			Name:        "remote_errors_total",
			Help:        "Responses carrying a non-success code.",
			ConstLabels: labels,
		})),
		duration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "binrpc",
			Subsystem:   "rpc",
			Name:        "call_duration_seconds",
			Help:        "Time from send to response.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		})),
	}
}

// register returns c, or the identical collector already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
