// Package config loads fleetd configuration from file, environment, and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given file path (optional), environment
// variables prefixed FLEETD_, and built-in defaults, in that precedence order
// (file > env > defaults).
func Load(path string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	} else {
		v.SetConfigName("fleetd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fleetd")
		// Missing config file is fine; defaults and env apply.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.path", "fleetd.db")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("modules.fleet.heartbeat_interval", "60s")
	v.SetDefault("modules.fleet.stale_threshold", "2m")
	v.SetDefault("modules.fleet.offline_threshold", "5m")
	v.SetDefault("modules.fleet.sweep_interval", "30s")
	v.SetDefault("modules.fleet.ping_timeout", "2s")
	v.SetDefault("modules.fleet.ping_concurrency", 16)
	v.SetDefault("modules.fleet.mqtt.enabled", false)
	v.SetDefault("modules.fleet.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("modules.fleet.mqtt.client_id", "fleetd")

	v.SetDefault("modules.dispatch.sweep_interval", "5s")
	v.SetDefault("modules.dispatch.timeouts.default", "2m")
	v.SetDefault("modules.dispatch.timeouts.update_app", "10m")
	v.SetDefault("modules.dispatch.timeouts.get_status", "30s")
	v.SetDefault("modules.dispatch.timeouts.get_time", "30s")

	v.SetDefault("modules.sweep.workers", 16)
	v.SetDefault("modules.sweep.probe_timeout", "1500ms")
	v.SetDefault("modules.sweep.probe_rate", 64)
	v.SetDefault("modules.sweep.snmp_community", "public")
	v.SetDefault("modules.sweep.mdns.enabled", false)
	v.SetDefault("modules.sweep.mdns.interval", "5m")

	v.SetDefault("modules.scanhub.poll_interval", "2s")
	v.SetDefault("modules.scanhub.idle_timeout", "3m")
	v.SetDefault("modules.scanhub.watchdog_interval", "10s")
	v.SetDefault("modules.scanhub.storage_dir", "scans")
}
