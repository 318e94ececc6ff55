package services

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// Metrics holds the connector's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	extracted     *prometheus.CounterVec
	entities      *prometheus.CounterVec
	batches       *prometheus.CounterVec
	retries       prometheus.Counter
	errors        *prometheus.CounterVec
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	runDuration   prometheus.Histogram
	typeCache     *prometheus.CounterVec
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns collectors registered once with the default registerer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	buckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900}
	m := &Metrics{
		extracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purview_connector_records_extracted_total",
			Help: "Raw metadata records extracted, by source.",
		}, []string{"source_id"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purview_connector_entities_total",
			Help: "Entities processed, by ingestion outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purview_connector_batches_total",
			Help: "Catalog batches submitted, by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purview_connector_batch_retries_total",
			Help: "Catalog batch retries after transient failures.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purview_connector_errors_total",
			Help: "Errors recorded during runs, by kind.",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purview_connector_runs_total",
			Help: "Completed runs, by source and status.",
		}, []string{"source_id", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "purview_connector_stage_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: buckets,
		}, []string{"stage"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "purview_connector_run_seconds",
			Help:    "Duration of whole runs.",
			Buckets: buckets,
		}),
		typeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purview_connector_type_cache_total",
			Help: "Type definition cache lookups, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.extracted, m.entities, m.batches, m.retries, m.errors,
			m.runs, m.stageDuration, m.runDuration, m.typeCache)
	}
	return m
}

// AddExtracted counts extracted records.
func (m *Metrics) AddExtracted(sourceID string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.extracted.WithLabelValues(sourceID).Add(float64(n))
}

// AddOutcome counts entities with the given outcome.
func (m *Metrics) AddOutcome(outcome models.Outcome, n int) {
	if m == nil || n == 0 {
		return
	}
	m.entities.WithLabelValues(string(outcome)).Add(float64(n))
}

// IncBatch counts one submitted batch.
func (m *Metrics) IncBatch(ok bool) {
	if m == nil {
		return
	}
	result := "succeeded"
	if !ok {
		result = "failed"
	}
	m.batches.WithLabelValues(result).Inc()
}

// IncRetry counts one batch retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// AddRecordErrors counts errors of one kind.
func (m *Metrics) AddRecordErrors(kind apperrors.Kind, n int) {
	if m == nil || n == 0 {
		return
	}
	m.errors.WithLabelValues(string(kind)).Add(float64(n))
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(summary *models.RunSummary) {
	if m == nil || summary == nil {
		return
	}
	m.runs.WithLabelValues(summary.SourceID, string(summary.Status)).Inc()
	m.runDuration.Observe(summary.Duration.Seconds())
}

// IncTypeCache counts a type cache hit or miss.
func (m *Metrics) IncTypeCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.typeCache.WithLabelValues(result).Inc()
}
