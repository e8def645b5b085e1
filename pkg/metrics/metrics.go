package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "softpipe"

// Buffer states reported by the buffers gauge.
const (
	StateInFlight  = "in_flight"
	StateReady     = "ready"
	StateToRequeue = "to_requeue"
)

// Collector holds the pipe engine metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	bytesReceived      *prometheus.CounterVec
	transfersCompleted *prometheus.CounterVec
	transferTimeouts   *prometheus.CounterVec
	transferErrors     *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	exactReadTimeouts  *prometheus.CounterVec
	buffers            *prometheus.GaugeVec
}

// New creates a Collector and registers it on reg. An empty namespace uses
// DefaultNamespace. A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	c := &Collector{
		bytesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_received_total",
				Help:      "Total bytes harvested from completed transfers",
			},
			[]string{"pipe"},
		),
		transfersCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_completed_total",
				Help:      "Total transfers that completed with data",
			},
			[]string{"pipe"},
		),
		transferTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_timeouts_total",
				Help:      "Total transfers that completed with a pipe timeout",
			},
			[]string{"pipe"},
		),
		transferErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_errors_total",
				Help:      "Total transfer submissions or completions that failed",
			},
			[]string{"pipe"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total coalesced data notifications delivered",
			},
			[]string{"pipe"},
		),
		exactReadTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exact_read_timeouts_total",
				Help:      "Total exact reads that gave up after consecutive empty ticks",
			},
			[]string{"pipe"},
		),
		buffers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffers",
				Help:      "Transfer buffers by pool state",
			},
			[]string{"pipe", "state"},
		),
	}

	pkg.LogDebug(pkg.ComponentMetrics, "collector created", "namespace", namespace)
	return c
}

func label(pipe uint8) string {
	return hal.PipeID(pipe).String()
}

// RecordTransfer counts one transfer that completed with n bytes.
func (c *Collector) RecordTransfer(pipe uint8, n int) {
	if c == nil {
		return
	}
	l := label(pipe)
	c.transfersCompleted.WithLabelValues(l).Inc()
	c.bytesReceived.WithLabelValues(l).Add(float64(n))
}

// RecordTimeout counts one transfer that completed with a pipe timeout.
func (c *Collector) RecordTimeout(pipe uint8) {
	if c == nil {
		return
	}
	c.transferTimeouts.WithLabelValues(label(pipe)).Inc()
}

// RecordError counts one failed submission or completion.
func (c *Collector) RecordError(pipe uint8) {
	if c == nil {
		return
	}
	c.transferErrors.WithLabelValues(label(pipe)).Inc()
}

// RecordNotification counts one coalesced notification.
func (c *Collector) RecordNotification(pipe uint8) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(label(pipe)).Inc()
}

// RecordExactReadTimeout counts one exact read that timed out.
func (c *Collector) RecordExactReadTimeout(pipe uint8) {
	if c == nil {
		return
	}
	c.exactReadTimeouts.WithLabelValues(label(pipe)).Inc()
}

// SetBuffers publishes the pool partition for pipe.
func (c *Collector) SetBuffers(pipe uint8, inFlight, ready, toRequeue int) {
	if c == nil {
		return
	}
	l := label(pipe)
	c.buffers.WithLabelValues(l, StateInFlight).Set(float64(inFlight))
	c.buffers.WithLabelValues(l, StateReady).Set(float64(ready))
	c.buffers.WithLabelValues(l, StateToRequeue).Set(float64(toRequeue))
}

// Forget removes every series for pipe, used when a pipe is disabled.
func (c *Collector) Forget(pipe uint8) {
	if c == nil {
		return
	}
	l := prometheus.Labels{"pipe": label(pipe)}
	c.bytesReceived.DeletePartialMatch(l)
	c.transfersCompleted.DeletePartialMatch(l)
	c.transferTimeouts.DeletePartialMatch(l)
	c.transferErrors.DeletePartialMatch(l)
	c.notifications.DeletePartialMatch(l)
	c.exactReadTimeouts.DeletePartialMatch(l)
	c.buffers.DeletePartialMatch(l)
}
