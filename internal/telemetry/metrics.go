package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "engagementcore"

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeSkipped  = "skipped"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeRemoved  = "removed"
)

// Metrics holds every Prometheus collector emitted by the engine.
type Metrics struct {
	IngestRows        *prometheus.CounterVec
	SyncOutcomes      *prometheus.CounterVec
	StageRuns         *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	AutosaveAttempts  *prometheus.CounterVec
	AutosaveDuration  prometheus.Histogram
	Dirty             prometheus.Gauge
	Progress          prometheus.Gauge
	OperationDuration *prometheus.HistogramVec
	OperationOutcomes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// yields working but unregistered collectors, which is what tests and
// library callers without a registry get.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngestRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_total",
			Help:      "Records handled by ingestion, by kind, source channel and outcome.",
		}, []string{"kind", "source", "outcome"}),
		SyncOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "External system sync attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		StageRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Pipeline stage runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of pipeline stage runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		AutosaveAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosave_attempts_total",
			Help:      "Autosave attempts by outcome.",
		}, []string{"outcome"}),
		AutosaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "autosave_duration_seconds",
			Help:      "Wall time of snapshot saves.",
			Buckets:   prometheus.DefBuckets,
		}),
		Dirty: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "autosave_dirty",
			Help:      "1 while the engagement has unsaved changes.",
		}),
		Progress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_overall_percent",
			Help:      "Most recently computed overall intake progress.",
		}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of session operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		OperationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Session operations by outcome.",
		}, []string{"operation", "outcome"}),
	}
}

// Observe records one session operation outcome.
func (m *Metrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if m == nil || operation == "" {
		return
	}
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.OperationOutcomes.WithLabelValues(operation, outcome).Inc()
}

// SetDirty mirrors the autosave dirty flag.
func (m *Metrics) SetDirty(dirty bool) {
	if m == nil {
		return
	}
	if dirty {
		m.Dirty.Set(1)
		return
	}
	m.Dirty.Set(0)
}

// OrNew returns m, or fresh unregistered collectors when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return NewMetrics(nil)
}
