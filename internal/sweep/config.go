package sweep

import (
	"time"

	"github.com/spf13/viper"
)

// MDNSConfig tunes the passive mDNS listener.
type MDNSConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Config holds the sweep module's tunables.
type Config struct {
	// Workers bounds concurrent probes per sweep run.
	Workers int

	// ProbeTimeout is the per-host probe deadline.
	ProbeTimeout time.Duration

	// ProbeRate caps probes per second across all workers, so a sweep never
	// floods a branch uplink.
	ProbeRate float64

	// MaxHosts rejects sweeps over subnets larger than this many hosts.
	MaxHosts int

	// SNMPCommunity and SNMPTimeout configure printer identification.
	SNMPCommunity string
	SNMPTimeout   time.Duration

	MDNS MDNSConfig
}

// DefaultConfig returns the sweep module defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       16,
		ProbeTimeout:  1500 * time.Millisecond,
		ProbeRate:     64,
		MaxHosts:      4096,
		SNMPCommunity: "public",
		SNMPTimeout:   2 * time.Second,
		MDNS: MDNSConfig{
			Enabled:  false,
			Interval: 5 * time.Minute,
		},
	}
}

// configFromViper overlays configured values onto the defaults.
func configFromViper(v *viper.Viper) Config {
	cfg := DefaultConfig()
	if v == nil {
		return cfg
	}
	if v.IsSet("workers") {
		cfg.Workers = v.GetInt("workers")
	}
	if v.IsSet("probe_timeout") {
		cfg.ProbeTimeout = v.GetDuration("probe_timeout")
	}
	if v.IsSet("probe_rate") {
		cfg.ProbeRate = v.GetFloat64("probe_rate")
	}
	if v.IsSet("max_hosts") {
		cfg.MaxHosts = v.GetInt("max_hosts")
	}
	if v.IsSet("snmp_community") {
		cfg.SNMPCommunity = v.GetString("snmp_community")
	}
	if v.IsSet("snmp_timeout") {
		cfg.SNMPTimeout = v.GetDuration("snmp_timeout")
	}
	if v.IsSet("mdns.enabled") {
		cfg.MDNS.Enabled = v.GetBool("mdns.enabled")
	}
	if v.IsSet("mdns.interval") {
		cfg.MDNS.Interval = v.GetDuration("mdns.interval")
	}
	return cfg
}
