package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsync_store_mutations_total",
			Help: "Total number of store mutations by store and operation",
		},
		[]string{"store", "op"},
	)

	persistFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsync_store_persist_failures_total",
			Help: "Total number of snapshot writes that failed and were kept in memory only",
		},
		[]string{"store"},
	)

	externalUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsync_store_external_updates_total",
			Help: "Total number of snapshots adopted from other writers",
		},
		[]string{"store"},
	)

	loadFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsync_store_load_failures_total",
			Help: "Total number of snapshot reads that failed and will be retried",
		},
		[]string{"store"},
	)

	malformedSnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsync_store_malformed_snapshots_total",
			Help: "Total number of persisted snapshots discarded because they failed to decode",
		},
		[]string{"store"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cartsync_active_sessions",
			Help: "Number of sessions with stores held in memory",
		},
	)
)
