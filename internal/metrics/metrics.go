package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is an explicitly constructed metrics component, injected into each
// pipeline stage. It owns a private registry so nothing is global; a process
// restart is the only reset.
type Metrics struct {
	registry *prometheus.Registry

	errors        *prometheus.CounterVec
	processed     *prometheus.CounterVec
	lowConfidence prometheus.Counter
	stageDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Unhandled stage errors by error code.",
		}, []string{"code"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_processed_total",
			Help: "Jobs processed per queue and outcome.",
		}, []string{"queue", "outcome"}),
		lowConfidence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocr_low_confidence_total",
			Help: "Recognition passes whose confidence fell below the configured threshold.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
	}

	reg.MustRegister(m.errors, m.processed, m.lowConfidence, m.stageDuration)
	return m
}

// StageError increments the per-code error counter (INGEST_ERROR, OCR_ERROR,
// ENRICH_ERROR).
func (m *Metrics) StageError(code string) {
	m.errors.WithLabelValues(code).Inc()
}

// JobProcessed records one finished queue job.
func (m *Metrics) JobProcessed(queue, outcome string) {
	m.processed.WithLabelValues(queue, outcome).Inc()
}

// LowConfidence counts a below-threshold recognition pass, regardless of
// whether the job ultimately succeeds.
func (m *Metrics) LowConfidence() {
	m.lowConfidence.Inc()
}

// ObserveStage records a stage duration sample.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
