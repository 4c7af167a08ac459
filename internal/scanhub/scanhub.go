// Package scanhub manages document scan sessions against fleet printers:
// session lifecycle, document polling, artifact storage, and idle expiry.
package scanhub

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/notify"
	"github.com/branchops/fleetd/pkg/plugin"
)

// Module implements the scanhub module.
type Module struct {
	logger   *zap.Logger
	cfg      Config
	sdb      plugin.Store
	bus      plugin.EventBus
	notifier notify.Notifier

	dir     PrinterDirectory
	source  Source
	store   *ScanStore
	manager *Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the scanhub module.
func New(sdb plugin.Store, bus plugin.EventBus) *Module {
	return &Module{sdb: sdb, bus: bus}
}

func (m *Module) Name() string    { return "scanhub" }
func (m *Module) Version() string { return "1.0.0" }

// SetDirectory wires the fleet module's printer lookup. Must be called
// before Init.
func (m *Module) SetDirectory(dir PrinterDirectory) { m.dir = dir }

// SetSource overrides the document source, used in tests.
func (m *Module) SetSource(s Source) { m.source = s }

// SetNotifier overrides the notification sink. Defaults to logging.
func (m *Module) SetNotifier(n notify.Notifier) { m.notifier = n }

func (m *Module) Init(config *viper.Viper, logger *zap.Logger) error {
	m.logger = logger
	m.cfg = configFromViper(config)

	if m.dir == nil {
		return fmt.Errorf("scanhub: printer directory not wired")
	}
	if m.notifier == nil {
		m.notifier = notify.NewLogNotifier(logger)
	}
	if m.source == nil {
		m.source = NewHTTPSource(10 * time.Second)
	}
	if err := os.MkdirAll(m.cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("scanhub storage dir: %w", err)
	}

	if err := m.sdb.Migrate(context.Background(), m.Name(), migrations()); err != nil {
		return fmt.Errorf("scanhub migrations: %w", err)
	}
	m.store = NewScanStore(m.sdb.DB())
	m.manager = NewManager(logger, m.cfg, m.store, m.dir, m.source, m.notifier)

	m.logger.Info("scanhub module initialized",
		zap.Duration("idle_timeout", m.cfg.IdleTimeout),
		zap.String("storage_dir", m.cfg.StorageDir),
	)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.WatchdogInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watchdogLoop(ctx)
		}()
	}

	m.logger.Info("scanhub module started")
	return nil
}

func (m *Module) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.manager != nil {
		m.manager.StopAll()
	}
	m.wg.Wait()
	m.logger.Info("scanhub module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	running, err := m.store.ListRunning(ctx)
	if err != nil {
		return plugin.HealthStatus{Healthy: false, Detail: map[string]string{"store": err.Error()}}
	}
	return plugin.HealthStatus{Healthy: true, Detail: map[string]string{"running_sessions": fmt.Sprint(len(running))}}
}

func (m *Module) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.manager.watchdogOnce(ctx)
		}
	}
}
