// Package metrics registers the engine's Prometheus instrumentation in one
// place so components share a single registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	RecordsIngested    prometheus.Counter
	IngestFailures     *prometheus.CounterVec
	IngestDuration     prometheus.Histogram
	AlertsTriggered    *prometheus.CounterVec
	ActionFailures     *prometheus.CounterVec
	RecordsPurged      *prometheus.CounterVec
	RetentionRuns      prometheus.Counter
	HubConnections     prometheus.Gauge
	HubDropped         prometheus.Counter
	HubPublished       *prometheus.CounterVec
	ChainVerifications *prometheus.CounterVec
	ObserverDropped    prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RecordsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_records_ingested_total",
			Help: "Total number of audit records appended to the chain",
		}),
		IngestFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_ingest_failures_total",
			Help: "Ingestion failures by reason (validation, integrity, storage)",
		}, []string{"reason"}),
		IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "veritas_ingest_duration_seconds",
			Help:    "Time spent stamping and persisting a record",
			Buckets: prometheus.DefBuckets,
		}),
		AlertsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_alerts_triggered_total",
			Help: "Alert rule matches by rule name",
		}, []string{"rule"}),
		ActionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_action_failures_total",
			Help: "Alert action dispatch failures by action type",
		}, []string{"action"}),
		RecordsPurged: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_records_purged_total",
			Help: "Records deleted by retention policy",
		}, []string{"policy"}),
		RetentionRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_retention_runs_total",
			Help: "Completed retention scheduler passes",
		}),
		HubConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veritas_hub_connections",
			Help: "Live distribution hub connections",
		}),
		HubDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_hub_dropped_connections_total",
			Help: "Connections dropped for falling behind or going idle",
		}),
		HubPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_hub_published_total",
			Help: "Events pushed to subscribers by event type",
		}, []string{"type"}),
		ChainVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_chain_verifications_total",
			Help: "Chain verification runs by outcome",
		}, []string{"outcome"}),
		ObserverDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritas_observer_dropped_total",
			Help: "Stored records that could not be queued for rule evaluation and fan-out",
		}),
	}
}
