package rotation

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments rotation outcomes on a dedicated registry so the
// /metrics listener never leaks unrelated collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	rotations       *prometheus.CounterVec
	duration        prometheus.Histogram
	inflight        prometheus.Gauge
	conflictRetries prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.rotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kred_rotations_total",
		Help: "Rotation jobs by namespace and final outcome.",
	}, []string{"namespace", "outcome"})
	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kred_rotation_duration_seconds",
		Help:    "Wall-clock duration of rotation jobs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	m.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kred_rotations_inflight",
		Help: "Rotation jobs currently running.",
	})
	m.conflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kred_rotation_conflict_retries_total",
		Help: "Secret update attempts retried after a version conflict.",
	})
	m.registry.MustRegister(m.rotations, m.duration, m.inflight, m.conflictRetries)
	return m
}

// Handler serves the registry for the --metrics-listen endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) jobFinished(namespace, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.rotations.WithLabelValues(namespace, outcome).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) conflictRetried() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}
