package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "collab_connections_active",
	Help: "Currently attached WebSocket connections.",
})

var docsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "collab_docs_active",
	Help: "Currently hosted (warm) documents.",
})

var messagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collab_messages_received_total",
	Help: "Total client protocol messages received, by type.",
}, []string{"type"})

var updatesAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collab_updates_applied_total",
	Help: "Total document updates applied, by origin.",
}, []string{"origin"})
