package scanhub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "scanhub",
		Name:      "sessions_started_total",
		Help:      "Scan sessions started.",
	})

	sessionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "scanhub",
		Name:      "sessions_finished_total",
		Help:      "Scan sessions finished, by terminal status.",
	}, []string{"status"})

	filesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "scanhub",
		Name:      "files_saved_total",
		Help:      "Scan document artifacts persisted.",
	})
)
