package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var appendsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_stream_appends_total",
	Help: "Total updates appended to document streams.",
})

var tailDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_stream_tail_deliveries_total",
	Help: "Total remote entries delivered by stream tails.",
})

var tailRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_stream_tail_retries_total",
	Help: "Total transient stream tail failures which were retried.",
})
