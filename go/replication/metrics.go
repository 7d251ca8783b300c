package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_replication_publishes_total",
	Help: "Total locally produced updates published to the stream store.",
})

var replaysTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_replication_replays_total",
	Help: "Total backlog entries replayed while binding documents.",
})
