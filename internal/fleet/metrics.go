package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/branchops/fleetd/pkg/models"
)

var (
	heartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "fleet",
		Name:      "heartbeats_total",
		Help:      "Heartbeats and registrations ingested, by source.",
	}, []string{"source"})

	devicesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "fleet",
		Name:      "devices",
		Help:      "Registered devices by computed liveness state.",
	}, []string{"state"})
)

func (m *Module) updateStateGauges(devices []models.Device) {
	counts := map[models.DeviceState]int{
		models.DeviceStateOnline:  0,
		models.DeviceStateStale:   0,
		models.DeviceStateOffline: 0,
	}
	for i := range devices {
		counts[m.effectiveState(&devices[i])]++
	}
	for state, n := range counts {
		devicesByState.WithLabelValues(string(state)).Set(float64(n))
	}
}
