// Package metrics exposes Prometheus instrumentation for the connectivity
// core. All methods are nil-safe so instrumentation stays optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for requests, retries and connection health.
type Metrics struct {
	requests        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState prometheus.Gauge
	requestLatency  *prometheus.HistogramVec
}

// New creates and registers the collectors. A nil registerer uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athena_link_requests_total",
			Help: "Total outbound requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "athena_link_retries_total",
			Help: "Total retry attempts by operation",
		}, []string{"operation"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "athena_link_socket_reconnects_total",
			Help: "Total socket reconnections after a session loss",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "athena_link_connection_state",
			Help: "Connection state (0=disconnected 1=connecting 2=connected 3=degraded)",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "athena_link_request_duration_seconds",
			Help:    "Outbound request latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(m.requests, m.retries, m.reconnects, m.connectionState, m.requestLatency)
	return m
}

// RequestObserved records one finished request attempt.
func (m *Metrics) RequestObserved(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.requestLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RetryScheduled records a scheduled retry for an operation.
func (m *Metrics) RetryScheduled(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// SocketReconnected records a successful reconnection.
func (m *Metrics) SocketReconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionState updates the connection state gauge.
func (m *Metrics) ConnectionState(code int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(code))
}
