// Package dispatch implements the per-device command queue: operators enqueue
// administrative commands, devices pull them one at a time and report results.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/notify"
	"github.com/branchops/fleetd/pkg/plugin"
)

// Module implements the command dispatch module.
type Module struct {
	logger   *zap.Logger
	cfg      Config
	sdb      plugin.Store
	bus      plugin.EventBus
	notifier notify.Notifier

	directory DeviceDirectory
	queue     *Queue

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the dispatch module.
func New(sdb plugin.Store, bus plugin.EventBus) *Module {
	return &Module{sdb: sdb, bus: bus}
}

func (m *Module) Name() string    { return "dispatch" }
func (m *Module) Version() string { return "1.0.0" }

// SetDirectory wires the fleet module's device registry. Must be called
// before Init.
func (m *Module) SetDirectory(dir DeviceDirectory) { m.directory = dir }

// SetNotifier overrides the notification sink. Defaults to logging.
func (m *Module) SetNotifier(n notify.Notifier) { m.notifier = n }

// Queue exposes the command queue to sibling modules: fleet piggy-backs
// NextDue onto heartbeats and guards deletes with HasPending.
func (m *Module) Queue() *Queue { return m.queue }

func (m *Module) Init(config *viper.Viper, logger *zap.Logger) error {
	m.logger = logger
	m.cfg = configFromViper(config)

	if m.directory == nil {
		return fmt.Errorf("dispatch: device directory not wired")
	}
	if m.notifier == nil {
		m.notifier = notify.NewLogNotifier(logger)
	}

	if err := m.sdb.Migrate(context.Background(), m.Name(), migrations()); err != nil {
		return fmt.Errorf("dispatch migrations: %w", err)
	}
	m.queue = NewQueue(logger, m.cfg, NewDispatchStore(m.sdb.DB()), m.directory, m.bus, m.notifier)

	m.logger.Info("dispatch module initialized",
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.Duration("default_timeout", m.cfg.DefaultTimeout),
	)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sweepLoop(ctx)
		}()
	}

	m.logger.Info("dispatch module started")
	return nil
}

func (m *Module) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("dispatch module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	sent, err := m.queue.store.ListSent(ctx)
	if err != nil {
		return plugin.HealthStatus{Healthy: false, Detail: map[string]string{"store": err.Error()}}
	}
	return plugin.HealthStatus{Healthy: true, Detail: map[string]string{"in_flight": fmt.Sprint(len(sent))}}
}

// sweepLoop runs the timeout sweep until the context is cancelled.
func (m *Module) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.queue.sweepOnce(ctx)
		}
	}
}
