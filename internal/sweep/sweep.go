// Package sweep implements active subnet discovery: bounded-concurrency ICMP
// probing with SNMP printer identification, plus a passive mDNS listener.
package sweep

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/fleet"
	"github.com/branchops/fleetd/pkg/plugin"
)

// Module implements the sweep discovery module.
type Module struct {
	logger *zap.Logger
	cfg    Config
	sdb    plugin.Store
	bus    plugin.EventBus

	registry   DeviceRegistry
	prober     fleet.Prober
	identifier Identifier
	store      *SweepStore
	sweeper    *Sweeper
	mdns       *MDNSListener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the sweep module.
func New(sdb plugin.Store, bus plugin.EventBus) *Module {
	return &Module{sdb: sdb, bus: bus}
}

func (m *Module) Name() string    { return "sweep" }
func (m *Module) Version() string { return "1.0.0" }

// SetRegistry wires the fleet module's device registry. Must be called
// before Init.
func (m *Module) SetRegistry(reg DeviceRegistry) { m.registry = reg }

// SetProber overrides the probe implementation, used in tests.
func (m *Module) SetProber(p fleet.Prober) { m.prober = p }

// SetIdentifier overrides the identification implementation, used in tests.
func (m *Module) SetIdentifier(i Identifier) { m.identifier = i }

func (m *Module) Init(config *viper.Viper, logger *zap.Logger) error {
	m.logger = logger
	m.cfg = configFromViper(config)

	if m.registry == nil {
		return fmt.Errorf("sweep: device registry not wired")
	}

	if err := m.sdb.Migrate(context.Background(), m.Name(), migrations()); err != nil {
		return fmt.Errorf("sweep migrations: %w", err)
	}
	m.store = NewSweepStore(m.sdb.DB())

	if m.prober == nil {
		m.prober = fleet.NewICMPProber(m.cfg.ProbeTimeout)
	}
	if m.identifier == nil {
		m.identifier = NewSNMPIdentifier(m.cfg.SNMPCommunity, m.cfg.SNMPTimeout)
	}
	m.sweeper = NewSweeper(logger, m.cfg, m.store, m.registry, m.prober, m.identifier, m.bus)

	if m.cfg.MDNS.Enabled {
		m.mdns = NewMDNSListener(m.registry, m.bus, logger.Named("mdns"), m.cfg.MDNS.Interval)
	}

	m.logger.Info("sweep module initialized",
		zap.Int("workers", m.cfg.Workers),
		zap.Duration("probe_timeout", m.cfg.ProbeTimeout),
	)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.mdns != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.mdns.Run(ctx)
		}()
	}

	m.logger.Info("sweep module started")
	return nil
}

func (m *Module) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sweeper != nil {
		m.sweeper.StopAll()
	}
	m.wg.Wait()
	m.logger.Info("sweep module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	runs, err := m.store.List(ctx, 1)
	if err != nil {
		return plugin.HealthStatus{Healthy: false, Detail: map[string]string{"store": err.Error()}}
	}
	detail := map[string]string{}
	if len(runs) > 0 {
		detail["last_run"] = string(runs[0].Status)
	}
	return plugin.HealthStatus{Healthy: true, Detail: detail}
}
