package fleet

import (
	"time"

	"github.com/branchops/fleetd/pkg/models"
)

// Event topics published by the fleet module.
const (
	TopicDeviceRegistered = "fleet.device.registered"
	TopicDeviceOffline    = "fleet.device.offline"
	TopicDeviceRecovered  = "fleet.device.recovered"
)

// DeviceEvent is the payload for registration events.
type DeviceEvent struct {
	Device *models.Device `json:"device"`
}

// StateChangeEvent is the payload for offline/recovered events.
type StateChangeEvent struct {
	DeviceID string             `json:"device_id"`
	BranchID string             `json:"branch_id,omitempty"`
	From     models.DeviceState `json:"from"`
	To       models.DeviceState `json:"to"`
	LastSeen time.Time          `json:"last_seen"`
}
