package snapshots

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enqueuesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_snapshot_enqueues_total",
	Help: "Total snapshot jobs newly enqueued (deduplicated inserts only).",
})

var claimsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_snapshot_claims_total",
	Help: "Total snapshot job claims taken by workers.",
})

var snapshotsBuiltTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_snapshots_built_total",
	Help: "Total document snapshots successfully rebuilt and persisted.",
})

var snapshotFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_snapshot_failures_total",
	Help: "Total snapshot rebuilds which failed and were postponed.",
})
