// Package metrics provides Prometheus metrics export for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "convrelay"
	subsystem = "relay"
)

// PrometheusExporter exports relay metrics in Prometheus format.
// All Record methods are safe to call on a nil exporter.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Chat metrics
	chatRequests   *prometheus.CounterVec
	chatActive     prometheus.Gauge
	streamDuration *prometheus.HistogramVec
	forwardedBytes *prometheus.CounterVec

	// Reconciliation and storage
	reconcileResults *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for stream duration histograms (in seconds)
	LatencyBuckets []float64

	// GoCollectors adds the Go runtime and process collectors.
	GoCollectors bool
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		GoCollectors:   true,
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.chatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chat_requests_total",
			Help:      "Total number of chat requests by outcome",
		},
		[]string{"model", "outcome"},
	)

	e.chatActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_streams",
			Help:      "Number of upstream streams currently relayed",
		},
	)

	e.streamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_duration_seconds",
			Help:      "Duration of chat requests from acceptance to close in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model"},
	)

	e.forwardedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarded_bytes_total",
			Help:      "Bytes forwarded from upstream to clients",
		},
		[]string{"model"},
	)

	e.reconcileResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_total",
			Help:      "Upstream id reconciliation attempts by result",
		},
		[]string{"result"},
	)

	e.storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_errors_total",
			Help:      "Conversation store failures by operation",
		},
		[]string{"operation"},
	)

	registry.MustRegister(
		e.chatRequests,
		e.chatActive,
		e.streamDuration,
		e.forwardedBytes,
		e.reconcileResults,
		e.storeErrors,
	)
	if cfg.GoCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return e
}

// RecordChatRequest records the outcome and duration of one chat request.
func (e *PrometheusExporter) RecordChatRequest(model, outcome string, duration time.Duration) {
	if e == nil {
		return
	}
	e.chatRequests.WithLabelValues(model, outcome).Inc()
	e.streamDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// StreamStarted and StreamFinished bracket one relayed upstream stream.
func (e *PrometheusExporter) StreamStarted() {
	if e == nil {
		return
	}
	e.chatActive.Inc()
}

func (e *PrometheusExporter) StreamFinished() {
	if e == nil {
		return
	}
	e.chatActive.Dec()
}

// AddForwardedBytes counts bytes passed through to a client.
func (e *PrometheusExporter) AddForwardedBytes(model string, n int) {
	if e == nil || n <= 0 {
		return
	}
	e.forwardedBytes.WithLabelValues(model).Add(float64(n))
}

// RecordReconcile records one reconciliation result (updated, skipped, failed).
func (e *PrometheusExporter) RecordReconcile(result string) {
	if e == nil {
		return
	}
	e.reconcileResults.WithLabelValues(result).Inc()
}

// RecordStoreError records a failed store operation.
func (e *PrometheusExporter) RecordStoreError(operation string) {
	if e == nil {
		return
	}
	e.storeErrors.WithLabelValues(operation).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

