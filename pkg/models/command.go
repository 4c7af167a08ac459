package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType enumerates the administrative commands a device can execute.
type CommandType string

const (
	CommandReboot        CommandType = "reboot"
	CommandRestartApp    CommandType = "restart_app"
	CommandGetTime       CommandType = "get_time"
	CommandSyncTime      CommandType = "sync_time"
	CommandSetTime       CommandType = "set_time"
	CommandGetStatus     CommandType = "get_status"
	CommandConfigureWifi CommandType = "configure_wifi"
	CommandUpdateApp     CommandType = "update_app"
)

// ValidCommandType reports whether t is a known command type.
func ValidCommandType(t CommandType) bool {
	switch t {
	case CommandReboot, CommandRestartApp, CommandGetTime, CommandSyncTime,
		CommandSetTime, CommandGetStatus, CommandConfigureWifi, CommandUpdateApp:
		return true
	}
	return false
}

// CommandStatus is the lifecycle state of a queued command.
// Pending -> Sent -> {Acked | Failed | TimedOut}; Cancelled is reachable from
// Pending or Sent. Terminal states are immutable.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandAcked     CommandStatus = "acked"
	CommandFailed    CommandStatus = "failed"
	CommandTimedOut  CommandStatus = "timed_out"
	CommandCancelled CommandStatus = "cancelled"
)

// Terminal reports whether s is a terminal command status.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandAcked, CommandFailed, CommandTimedOut, CommandCancelled:
		return true
	}
	return false
}

// Command is a single administrative instruction queued for one device.
type Command struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	Type       CommandType     `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     CommandStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// SetTimePayload carries an explicit wall-clock value for set_time commands.
type SetTimePayload struct {
	Time time.Time `json:"time"`
}

// ConfigureWifiPayload carries the network settings for configure_wifi commands.
type ConfigureWifiPayload struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"passphrase,omitempty"`
	DHCP       bool   `json:"dhcp"`
	StaticIP   string `json:"static_ip,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
}

// UpdateAppPayload points the device at a new application build.
type UpdateAppPayload struct {
	URL      string `json:"url"`
	Version  string `json:"version"`
	Checksum string `json:"checksum,omitempty"`
}

// ValidatePayload checks that the payload matches the shape required by the
// command type. Commands without a payload shape accept an empty payload only.
func ValidatePayload(t CommandType, payload json.RawMessage) error {
	switch t {
	case CommandSetTime:
		var p SetTimePayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return fmt.Errorf("set_time payload: %w", err)
		}
		if p.Time.IsZero() {
			return fmt.Errorf("set_time payload: time is required")
		}
	case CommandConfigureWifi:
		var p ConfigureWifiPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return fmt.Errorf("configure_wifi payload: %w", err)
		}
		if p.SSID == "" {
			return fmt.Errorf("configure_wifi payload: ssid is required")
		}
		if !p.DHCP && p.StaticIP == "" {
			return fmt.Errorf("configure_wifi payload: static_ip is required when dhcp is false")
		}
	case CommandUpdateApp:
		var p UpdateAppPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return fmt.Errorf("update_app payload: %w", err)
		}
		if p.URL == "" || p.Version == "" {
			return fmt.Errorf("update_app payload: url and version are required")
		}
	default:
		if len(payload) > 0 && string(payload) != "null" && string(payload) != "{}" {
			return fmt.Errorf("%s takes no payload", t)
		}
	}
	return nil
}

func strictUnmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("payload is required")
	}
	return json.Unmarshal(data, v)
}
