package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Finished sweep runs, by terminal status.",
	}, []string{"status"})

	probesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "sweep",
		Name:      "probes_total",
		Help:      "Host probes executed across all sweep runs.",
	})

	printersFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "sweep",
		Name:      "printers_found_total",
		Help:      "Printers discovered and upserted into the registry.",
	})
)
