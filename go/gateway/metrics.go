package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upgradesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_gateway_upgrades_total",
	Help: "Total WebSocket upgrades accepted.",
})

var upgradesRefusedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collab_gateway_upgrades_refused_total",
	Help: "Total upgrade requests refused by the access check.",
})
