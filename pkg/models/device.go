package models

import "time"

// DeviceKind categorizes a managed field device.
type DeviceKind string

const (
	DeviceKindMediaPlayer DeviceKind = "media_player"
	DeviceKindPrinter     DeviceKind = "printer"
	DeviceKindTerminal    DeviceKind = "terminal"
	DeviceKindUnknown     DeviceKind = "unknown"
)

// DeviceState is the liveness state derived from the device's last heartbeat.
type DeviceState string

const (
	DeviceStateOnline  DeviceState = "online"
	DeviceStateStale   DeviceState = "stale"
	DeviceStateOffline DeviceState = "offline"
)

// DiscoveryMethod indicates how a device entered the registry.
type DiscoveryMethod string

const (
	DiscoveryHeartbeat DiscoveryMethod = "heartbeat"
	DiscoverySweep     DiscoveryMethod = "sweep"
	DiscoverymDNS      DiscoveryMethod = "mdns"
	DiscoveryManual    DiscoveryMethod = "manual"
)

// Device is a managed field device (in-store media player, printer, retail
// terminal). ID is a client-generated UUID and is immutable once assigned;
// MACAddress and CurrentIP are best-effort secondary identity and may change
// across the device's lifetime.
type Device struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	MACAddress      string          `json:"mac_address,omitempty"`
	CurrentIP       string          `json:"current_ip,omitempty"`
	BranchID        string          `json:"branch_id,omitempty"`
	Kind            DeviceKind      `json:"kind"`
	Vendor          string          `json:"vendor,omitempty"`
	AppVersion      string          `json:"app_version,omitempty"`
	OS              string          `json:"os,omitempty"`
	State           DeviceState     `json:"state"`
	DiscoveryMethod DiscoveryMethod `json:"discovery_method"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
}
