package fleet

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the fleet module's tunables.
type Config struct {
	// HeartbeatInterval is the expected device heartbeat cadence. Thresholds
	// below are typically derived from it (2x / 5x) but set independently.
	HeartbeatInterval time.Duration

	// StaleThreshold is how long without a heartbeat before a device is Stale.
	StaleThreshold time.Duration

	// OfflineThreshold is how long without a heartbeat before a device is Offline.
	OfflineThreshold time.Duration

	// SweepInterval is how often the liveness sweep flips persisted states.
	// Zero disables the sweep; states are still computed correctly on read.
	SweepInterval time.Duration

	// PingTimeout bounds each ICMP probe in the live status listing.
	PingTimeout time.Duration

	// PingConcurrency bounds parallel ICMP probes in the live status listing.
	PingConcurrency int

	// MQTT configures the optional heartbeat ingest over MQTT.
	MQTT MQTTConfig
}

// MQTTConfig configures the optional MQTT heartbeat listener.
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
}

// DefaultConfig returns the fleet module defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: time.Minute,
		StaleThreshold:    2 * time.Minute,
		OfflineThreshold:  5 * time.Minute,
		SweepInterval:     30 * time.Second,
		PingTimeout:       2 * time.Second,
		PingConcurrency:   16,
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "fleetd",
		},
	}
}

// configFromViper overlays configured values onto the defaults.
func configFromViper(v *viper.Viper) Config {
	cfg := DefaultConfig()
	if v == nil {
		return cfg
	}
	if v.IsSet("heartbeat_interval") {
		cfg.HeartbeatInterval = v.GetDuration("heartbeat_interval")
	}
	if v.IsSet("stale_threshold") {
		cfg.StaleThreshold = v.GetDuration("stale_threshold")
	}
	if v.IsSet("offline_threshold") {
		cfg.OfflineThreshold = v.GetDuration("offline_threshold")
	}
	if v.IsSet("sweep_interval") {
		cfg.SweepInterval = v.GetDuration("sweep_interval")
	}
	if v.IsSet("ping_timeout") {
		cfg.PingTimeout = v.GetDuration("ping_timeout")
	}
	if v.IsSet("ping_concurrency") {
		cfg.PingConcurrency = v.GetInt("ping_concurrency")
	}
	if v.IsSet("mqtt.enabled") {
		cfg.MQTT.Enabled = v.GetBool("mqtt.enabled")
	}
	if v.IsSet("mqtt.broker") {
		cfg.MQTT.Broker = v.GetString("mqtt.broker")
	}
	if v.IsSet("mqtt.client_id") {
		cfg.MQTT.ClientID = v.GetString("mqtt.client_id")
	}
	cfg.MQTT.Username = v.GetString("mqtt.username")
	cfg.MQTT.Password = v.GetString("mqtt.password")
	return cfg
}
