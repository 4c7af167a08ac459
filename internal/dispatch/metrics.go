package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "dispatch",
		Name:      "commands_enqueued_total",
		Help:      "Commands accepted into the queue, by type.",
	}, []string{"type"})

	commandsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "dispatch",
		Name:      "commands_resolved_total",
		Help:      "Commands that reached a terminal status.",
	}, []string{"status"})

	commandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "dispatch",
		Name:      "commands_in_flight",
		Help:      "Commands currently in Sent status across the fleet.",
	})
)
