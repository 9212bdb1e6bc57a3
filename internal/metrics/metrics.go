// Package metrics provides Prometheus metrics for annometa
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for annometa
type Metrics struct {
	// Search outbox metrics
	OutboxPending    prometheus.Gauge
	OutboxLagSeconds prometheus.Gauge
	SyncedOpsTotal   *prometheus.CounterVec
	SyncErrorsTotal  prometheus.Counter

	// Resource lifecycle metrics
	PurgesTotal             prometheus.Counter
	PhysicalDeletesTotal    prometheus.Counter
	BlobDeleteFailuresTotal prometheus.Counter
	IndexDesyncsTotal       prometheus.Counter

	// Schema mutation metrics
	MutationsTotal *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.OutboxPending = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "annometa_outbox_pending",
			Help: "Search document operations waiting to be applied",
		},
	)

	m.OutboxLagSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "annometa_outbox_lag_seconds",
			Help: "Age of the oldest pending search document operation",
		},
	)

	m.SyncedOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annometa_synced_ops_total",
			Help: "Search document operations applied to the index",
		},
		[]string{"op"},
	)

	m.SyncErrorsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "annometa_sync_errors_total",
			Help: "Failed outbox drains",
		},
	)

	m.PurgesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "annometa_purges_total",
			Help: "Tombstoned entities purged",
		},
	)

	m.PhysicalDeletesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "annometa_blob_physical_deletes_total",
			Help: "Blobs deleted after their last owner went away",
		},
	)

	m.BlobDeleteFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "annometa_blob_delete_failures_total",
			Help: "Blob deletes that failed and were left for the next sweep",
		},
	)

	m.IndexDesyncsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "annometa_index_desyncs_total",
			Help: "Purges that found a search document the index should already have dropped",
		},
	)

	m.MutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annometa_schema_mutations_total",
			Help: "Attribute dtype mutations by outcome",
		},
		[]string{"outcome"},
	)

	return m
}

// NewNop returns metrics registered nowhere, for tests and tools that do
// not serve them.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordSynced counts an applied outbox operation.
func (m *Metrics) RecordSynced(op string) {
	m.SyncedOpsTotal.WithLabelValues(op).Inc()
}

// RecordMutation counts a mutation outcome: applied, refused, aborted or
// failed.
func (m *Metrics) RecordMutation(outcome string) {
	m.MutationsTotal.WithLabelValues(outcome).Inc()
}
