package scanhub

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the scanhub module's tunables.
type Config struct {
	// PollInterval is how often a session poller asks the printer for new
	// documents.
	PollInterval time.Duration

	// IdleTimeout expires a running session with no new files for this long.
	IdleTimeout time.Duration

	// WatchdogInterval is how often the idle-session watchdog runs.
	WatchdogInterval time.Duration

	// StorageDir is where scanned document artifacts are written.
	StorageDir string
}

// DefaultConfig returns the scanhub module defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		IdleTimeout:      3 * time.Minute,
		WatchdogInterval: 10 * time.Second,
		StorageDir:       "scans",
	}
}

// configFromViper overlays configured values onto the defaults.
func configFromViper(v *viper.Viper) Config {
	cfg := DefaultConfig()
	if v == nil {
		return cfg
	}
	if v.IsSet("poll_interval") {
		cfg.PollInterval = v.GetDuration("poll_interval")
	}
	if v.IsSet("idle_timeout") {
		cfg.IdleTimeout = v.GetDuration("idle_timeout")
	}
	if v.IsSet("watchdog_interval") {
		cfg.WatchdogInterval = v.GetDuration("watchdog_interval")
	}
	if v.IsSet("storage_dir") {
		cfg.StorageDir = v.GetString("storage_dir")
	}
	return cfg
}
