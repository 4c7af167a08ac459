package dispatch

import (
	"time"

	"github.com/spf13/viper"

	"github.com/branchops/fleetd/pkg/models"
)

// Config holds the dispatch module's tunables.
type Config struct {
	// SweepInterval is how often the timeout sweep runs. One periodic sweep
	// bounds resource usage regardless of fleet size; no timer per command.
	SweepInterval time.Duration

	// DefaultTimeout applies to command types without an explicit entry.
	DefaultTimeout time.Duration

	// Timeouts overrides the delivery timeout per command type. Long-running
	// commands (update_app) get more; cheap queries (get_status) get less.
	Timeouts map[models.CommandType]time.Duration
}

// DefaultConfig returns the dispatch module defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  5 * time.Second,
		DefaultTimeout: 2 * time.Minute,
		Timeouts: map[models.CommandType]time.Duration{
			models.CommandUpdateApp: 10 * time.Minute,
			models.CommandGetStatus: 30 * time.Second,
			models.CommandGetTime:   30 * time.Second,
		},
	}
}

// TimeoutFor returns the delivery timeout for a command type.
func (c Config) TimeoutFor(t models.CommandType) time.Duration {
	if d, ok := c.Timeouts[t]; ok {
		return d
	}
	return c.DefaultTimeout
}

// configFromViper overlays configured values onto the defaults.
func configFromViper(v *viper.Viper) Config {
	cfg := DefaultConfig()
	if v == nil {
		return cfg
	}
	if v.IsSet("sweep_interval") {
		cfg.SweepInterval = v.GetDuration("sweep_interval")
	}
	if v.IsSet("timeouts.default") {
		cfg.DefaultTimeout = v.GetDuration("timeouts.default")
	}
	for key, ct := range map[string]models.CommandType{
		"reboot":         models.CommandReboot,
		"restart_app":    models.CommandRestartApp,
		"get_time":       models.CommandGetTime,
		"sync_time":      models.CommandSyncTime,
		"set_time":       models.CommandSetTime,
		"get_status":     models.CommandGetStatus,
		"configure_wifi": models.CommandConfigureWifi,
		"update_app":     models.CommandUpdateApp,
	} {
		if v.IsSet("timeouts." + key) {
			cfg.Timeouts[ct] = v.GetDuration("timeouts." + key)
		}
	}
	return cfg
}
