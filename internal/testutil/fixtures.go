package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/branchops/fleetd/pkg/models"
)

// NewDevice returns a Device with sensible defaults, suitable for test fixtures.
// Override individual fields after creation as needed.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.Device{
		ID:              uuid.New().String(),
		Name:            "test-device",
		MACAddress:      "00:11:22:33:44:55",
		CurrentIP:       "192.168.1.100",
		BranchID:        "branch-1",
		Kind:            models.DeviceKindMediaPlayer,
		State:           models.DeviceStateOnline,
		DiscoveryMethod: models.DiscoveryHeartbeat,
		FirstSeen:       time.Now().UTC(),
		LastSeen:        time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithID sets the device ID.
func WithID(id string) func(*models.Device) {
	return func(d *models.Device) { d.ID = id }
}

// WithBranch sets the device's branch.
func WithBranch(branchID string) func(*models.Device) {
	return func(d *models.Device) { d.BranchID = branchID }
}

// WithIP sets the device's current IP.
func WithIP(ip string) func(*models.Device) {
	return func(d *models.Device) { d.CurrentIP = ip }
}

// WithMAC sets the device's MAC address.
func WithMAC(mac string) func(*models.Device) {
	return func(d *models.Device) { d.MACAddress = mac }
}

// WithKind sets the device kind.
func WithKind(k models.DeviceKind) func(*models.Device) {
	return func(d *models.Device) { d.Kind = k }
}

// WithLastSeen sets the device's last_seen timestamp.
func WithLastSeen(t time.Time) func(*models.Device) {
	return func(d *models.Device) { d.LastSeen = t }
}
