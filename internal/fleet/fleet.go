// Package fleet implements the device registry and heartbeat-driven liveness
// tracking for the managed device fleet.
package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/store"
	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// CommandSource supplies the next due command for a device, used to piggy-back
// pending commands onto heartbeat responses. Implemented by the dispatch module.
type CommandSource interface {
	NextDue(ctx context.Context, deviceID string) (*models.Command, error)
}

// CommandGuard answers whether a device still has non-terminal commands and
// can cancel them, used by the delete guard. Implemented by the dispatch module.
type CommandGuard interface {
	HasPending(ctx context.Context, deviceID string) (bool, error)
	CancelAllForDevice(ctx context.Context, deviceID string) (int, error)
}

// Module implements the fleet registry and liveness tracker.
type Module struct {
	logger *zap.Logger
	cfg    Config
	sdb    plugin.Store
	store  *FleetStore
	bus    plugin.EventBus

	cmdSource CommandSource
	guard     CommandGuard
	prober    Prober
	mqtt      *mqttIngest

	// now is the time source, replaceable in tests.
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the fleet module.
func New(sdb plugin.Store, bus plugin.EventBus) *Module {
	return &Module{
		sdb: sdb,
		bus: bus,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Module) Name() string    { return "fleet" }
func (m *Module) Version() string { return "1.0.0" }

// SetCommandSource wires the dispatch module's queue for heartbeat piggy-backing.
func (m *Module) SetCommandSource(src CommandSource) { m.cmdSource = src }

// SetCommandGuard wires the dispatch module's pending-command guard for deletes.
func (m *Module) SetCommandGuard(g CommandGuard) { m.guard = g }

func (m *Module) Init(config *viper.Viper, logger *zap.Logger) error {
	m.logger = logger
	m.cfg = configFromViper(config)

	if err := m.sdb.Migrate(context.Background(), m.Name(), migrations()); err != nil {
		return fmt.Errorf("fleet migrations: %w", err)
	}
	m.store = NewFleetStore(m.sdb.DB())

	if m.prober == nil {
		m.prober = NewICMPProber(m.cfg.PingTimeout)
	}
	if m.cfg.MQTT.Enabled {
		m.mqtt = newMQTTIngest(m, m.cfg.MQTT, logger.Named("mqtt"))
	}

	m.logger.Info("fleet module initialized",
		zap.Duration("stale_threshold", m.cfg.StaleThreshold),
		zap.Duration("offline_threshold", m.cfg.OfflineThreshold),
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

	if m.mqtt != nil {
		if err := m.mqtt.connect(ctx); err != nil {
			// MQTT ingest is an optional transport; HTTP heartbeats still work.
			m.logger.Warn("mqtt heartbeat ingest unavailable", zap.Error(err))
		}
	}

	m.logger.Info("fleet module started")
	return nil
}

func (m *Module) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.mqtt != nil {
		m.mqtt.disconnect()
	}
	m.wg.Wait()
	m.logger.Info("fleet module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	n, err := m.store.Count(ctx)
	if err != nil {
		return plugin.HealthStatus{Healthy: false, Detail: map[string]string{"store": err.Error()}}
	}
	return plugin.HealthStatus{Healthy: true, Detail: map[string]string{"devices": fmt.Sprint(n)}}
}

// RegisterOrUpdate upserts a device, idempotent on device ID. Existing records
// are merged: non-empty incoming fields overwrite, empty fields are preserved.
// A known MAC with an unseen ID registers a new device (re-provisioning);
// identities are never merged automatically.
func (m *Module) RegisterOrUpdate(ctx context.Context, incoming *models.Device) (*models.Device, error) {
	if incoming.ID == "" {
		incoming.ID = uuid.New().String()
	}
	now := m.now()

	var out *models.Device
	err := store.DefaultRetry.Do(ctx, func() error {
		existing, err := m.store.Get(ctx, incoming.ID)
		switch {
		case err == nil:
			merged := mergeDevice(existing, incoming)
			merged.LastSeen = now
			merged.State = models.DeviceStateOnline
			if err := m.store.Update(ctx, merged); err != nil {
				return err
			}
			out = merged
			return nil
		case err == ErrNotFound:
			d := *incoming
			if d.Kind == "" {
				d.Kind = models.DeviceKindUnknown
			}
			if d.DiscoveryMethod == "" {
				d.DiscoveryMethod = models.DiscoveryManual
			}
			d.State = models.DeviceStateOnline
			d.FirstSeen = now
			d.LastSeen = now
			if err := m.store.Insert(ctx, &d); err != nil {
				return err
			}
			out = &d
			m.bus.PublishAsync(ctx, plugin.Event{
				Topic:     TopicDeviceRegistered,
				Source:    m.Name(),
				Timestamp: now,
				Payload:   &DeviceEvent{Device: &d},
			})
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	heartbeatsTotal.WithLabelValues("register").Inc()
	return out, nil
}

// UpdateNetwork updates only the device's network attributes (IP, branch).
func (m *Module) UpdateNetwork(ctx context.Context, deviceID, ip, branchID string) (*models.Device, error) {
	d, err := m.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if ip != "" {
		d.CurrentIP = ip
	}
	if branchID != "" {
		d.BranchID = branchID
	}
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Delete removes a device. When the device still has non-terminal commands the
// delete fails with ErrHasPendingCommands unless force is set, in which case
// pending commands are cancelled first.
func (m *Module) Delete(ctx context.Context, deviceID string, force bool) error {
	if _, err := m.store.Get(ctx, deviceID); err != nil {
		return err
	}

	if m.guard != nil {
		pending, err := m.guard.HasPending(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("check pending commands: %w", err)
		}
		if pending {
			if !force {
				return ErrHasPendingCommands
			}
			n, err := m.guard.CancelAllForDevice(ctx, deviceID)
			if err != nil {
				return fmt.Errorf("cancel pending commands: %w", err)
			}
			m.logger.Info("cancelled pending commands before delete",
				zap.String("device_id", deviceID),
				zap.Int("count", n),
			)
		}
	}

	return m.store.Delete(ctx, deviceID)
}

// Exists reports whether a device with the given ID is registered. Satisfies
// the dispatch module's device directory.
func (m *Module) Exists(ctx context.Context, deviceID string) (bool, error) {
	_, err := m.store.Get(ctx, deviceID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DevicesInBranch lists the devices registered under a branch. Satisfies the
// dispatch module's device directory for branch fan-out.
func (m *Module) DevicesInBranch(ctx context.Context, branchID string) ([]models.Device, error) {
	return m.store.ListByBranch(ctx, branchID)
}

// LookupByMAC finds a device by MAC address. Satisfies the sweep module's
// registry for discovery dedupe.
func (m *Module) LookupByMAC(ctx context.Context, mac string) (*models.Device, error) {
	return m.store.GetByMAC(ctx, normalizeMAC(mac))
}

// LookupByIP finds the most-recently-seen device at an IP.
func (m *Module) LookupByIP(ctx context.Context, ip string) (*models.Device, error) {
	return m.store.GetByIP(ctx, ip)
}

// Device returns one registered device by ID.
func (m *Module) Device(ctx context.Context, deviceID string) (*models.Device, error) {
	return m.store.Get(ctx, deviceID)
}

// ListPrinters returns all registered printer devices.
func (m *Module) ListPrinters(ctx context.Context) ([]models.Device, error) {
	return m.store.ListByKind(ctx, models.DeviceKindPrinter)
}

// mergeDevice overlays non-empty incoming fields onto the existing record.
// The ID never changes; FirstSeen is preserved.
func mergeDevice(existing, incoming *models.Device) *models.Device {
	merged := *existing
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.MACAddress != "" {
		merged.MACAddress = normalizeMAC(incoming.MACAddress)
	}
	if incoming.CurrentIP != "" {
		merged.CurrentIP = incoming.CurrentIP
	}
	if incoming.BranchID != "" {
		merged.BranchID = incoming.BranchID
	}
	if incoming.Kind != "" && incoming.Kind != models.DeviceKindUnknown {
		merged.Kind = incoming.Kind
	}
	if incoming.Vendor != "" {
		merged.Vendor = incoming.Vendor
	}
	if incoming.AppVersion != "" {
		merged.AppVersion = incoming.AppVersion
	}
	if incoming.OS != "" {
		merged.OS = incoming.OS
	}
	return &merged
}

// normalizeMAC uppercases and colon-separates a MAC address so lookups match
// regardless of the format devices report.
func normalizeMAC(mac string) string {
	hex := strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(mac))
	if len(hex) != 12 {
		return strings.ToUpper(mac)
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, hex[i:i+2])
	}
	return strings.Join(parts, ":")
}
