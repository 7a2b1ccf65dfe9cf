// Package metrics exposes ring attention progress as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scttfrdmn/ringattn/attention"
	"github.com/scttfrdmn/ringattn/ring"
)

const (
	attentionTypeLabel = "attention_type"
	passLabel          = "pass"
)

// Metrics implements ring.Metrics. A nil *Metrics discards observations.
type Metrics struct {
	steps      *prometheus.CounterVec
	computed   *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	deviceStep *prometheus.HistogramVec
	imbalance  *prometheus.GaugeVec
	benchStep  *prometheus.HistogramVec
}

var _ ring.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with registrar.
func New(registrar prometheus.Registerer) *Metrics {
	labels := []string{attentionTypeLabel, passLabel}
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringattn_steps_total",
			Help: "Count of device steps executed",
		}, labels),
		computed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringattn_chunks_computed_total",
			Help: "Count of (query chunk, key chunk) pairs computed",
		}, labels),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringattn_chunks_skipped_total",
			Help: "Count of (query chunk, key chunk) pairs skipped as fully masked",
		}, labels),
		deviceStep: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ringattn_device_step_seconds",
			Help:    "Histogram of kernel time per device step in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, labels),
		imbalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ringattn_imbalance_ratio",
			Help: "Idle fraction of the last pass: 1 - total work / (devices * makespan)",
		}, labels),
		benchStep: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ringattn_bench_step_seconds",
			Help:    "Histogram of benchmark step wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-4, 4, 10),
		}, []string{attentionTypeLabel}),
	}
	registrar.MustRegister(m.steps, m.computed, m.skipped, m.deviceStep, m.imbalance, m.benchStep)
	return m
}

// ObserveStep records one device step.
func (m *Metrics) ObserveStep(attentionType, pass string, work attention.Work, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(attentionType, pass).Inc()
	m.computed.WithLabelValues(attentionType, pass).Add(float64(work.Computed))
	m.skipped.WithLabelValues(attentionType, pass).Add(float64(work.Skipped))
	m.deviceStep.WithLabelValues(attentionType, pass).Observe(elapsed.Seconds())
}

// ObservePass records the balance of a completed pass.
func (m *Metrics) ObservePass(attentionType, pass string, stats *ring.Stats) {
	if m == nil {
		return
	}
	m.imbalance.WithLabelValues(attentionType, pass).Set(stats.Imbalance())
}

// ObserveBenchStep records the wall time of one benchmark step.
func (m *Metrics) ObserveBenchStep(attentionType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.benchStep.WithLabelValues(attentionType).Observe(elapsed.Seconds())
}
