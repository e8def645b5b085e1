// Package metrics exposes pipe engine counters through Prometheus.
//
// A [Collector] is registered on a caller-supplied registerer so several
// sessions (or tests) can coexist:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg, "")
//	sess := host.NewSession(dev, host.WithMetrics(m))
//
// Every series carries a "pipe" label holding the pipe address in hex. The
// buffers gauge adds a "state" label (in_flight, ready, to_requeue).
package metrics
