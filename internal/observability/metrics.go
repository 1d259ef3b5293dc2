// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the sync server.
//
// Metrics are registered on a caller-supplied registry so tests can use a
// fresh prometheus.NewRegistry() per case. Every method is safe on a nil
// *SyncMetrics, which disables recording.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "mma"

// Outcome labels.
const (
	StatusOK         = "ok"
	StatusValidation = "validation"
	StatusConflict   = "conflict"
	StatusError      = "error"
)

// SyncMetrics holds the sync engine's metrics.
type SyncMetrics struct {
	// RequestsTotal counts pull/push calls by outcome.
	// Labels: op (pull, push), status (ok, validation, conflict, error)
	RequestsTotal *prometheus.CounterVec

	// DurationSeconds measures pull/push latency.
	// Labels: op
	DurationSeconds *prometheus.HistogramVec

	// RecordsTotal counts records sent or received.
	// Labels: op, collection
	RecordsTotal *prometheus.CounterVec

	// ConflictRetriesTotal counts push re-merges after a version conflict.
	ConflictRetriesTotal prometheus.Counter

	// RecurrenceInstancesTotal counts generated recurring task instances.
	RecurrenceInstancesTotal prometheus.Counter

	// GoalsExpiredTotal counts goals moved to expired by the daily job.
	GoalsExpiredTotal prometheus.Counter

	// QuotaRejectionsTotal counts requests refused by the rate limiter.
	// Labels: action
	QuotaRejectionsTotal *prometheus.CounterVec

	// NotifyClients tracks open notification sockets.
	NotifyClients prometheus.Gauge
}

// NewSyncMetrics creates and registers the metrics on reg.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	f := promauto.With(reg)
	return &SyncMetrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Sync requests by operation and outcome.",
		}, []string{"op", "status"}),
		DurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Sync request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records pulled or pushed, by collection.",
		}, []string{"op", "collection"}),
		ConflictRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "conflict_retries_total",
			Help:      "Push re-merges caused by concurrent writes.",
		}),
		RecurrenceInstancesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "jobs",
			Name:      "recurrence_instances_total",
			Help:      "Recurring task instances created.",
		}),
		GoalsExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "jobs",
			Name:      "goals_expired_total",
			Help:      "Goals expired at the end of their period.",
		}),
		QuotaRejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "quota_rejections_total",
			Help:      "Requests refused by the daily rate limit.",
		}, []string{"action"}),
		NotifyClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "notify",
			Name:      "clients",
			Help:      "Open change-notification sockets.",
		}),
	}
}

// ObserveRequest records one pull or push.
func (m *SyncMetrics) ObserveRequest(op, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(op, status).Inc()
	m.DurationSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

// AddRecords counts records moved by op for a collection.
func (m *SyncMetrics) AddRecords(op, collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(op, collection).Add(float64(n))
}

func (m *SyncMetrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.Inc()
}

func (m *SyncMetrics) RecurrenceCreated(n int) {
	if m == nil {
		return
	}
	m.RecurrenceInstancesTotal.Add(float64(n))
}

func (m *SyncMetrics) GoalsExpired(n int) {
	if m == nil {
		return
	}
	m.GoalsExpiredTotal.Add(float64(n))
}

func (m *SyncMetrics) QuotaRejected(action string) {
	if m == nil {
		return
	}
	m.QuotaRejectionsTotal.WithLabelValues(action).Inc()
}

func (m *SyncMetrics) SetNotifyClients(n int) {
	if m == nil {
		return
	}
	m.NotifyClients.Set(float64(n))
}
