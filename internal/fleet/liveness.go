package fleet

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// HeartbeatMeta carries the optional attributes a heartbeat may refresh.
type HeartbeatMeta struct {
	AppVersion string
	MACAddress string
	CurrentIP  string
	BranchID   string
}

// RecordHeartbeat advances the device's liveness. Unknown device IDs are
// implicitly registered with a minimal record (self-healing registration), so
// a re-provisioned device that lost its server-side record keeps reporting.
// last_seen is monotonically non-decreasing under replayed heartbeats.
func (m *Module) RecordHeartbeat(ctx context.Context, deviceID string, meta HeartbeatMeta) (*models.Device, error) {
	now := m.now()

	d, err := m.store.Get(ctx, deviceID)
	if err == ErrNotFound {
		return m.RegisterOrUpdate(ctx, &models.Device{
			ID:              deviceID,
			MACAddress:      meta.MACAddress,
			CurrentIP:       meta.CurrentIP,
			BranchID:        meta.BranchID,
			AppVersion:      meta.AppVersion,
			DiscoveryMethod: models.DiscoveryHeartbeat,
		})
	}
	if err != nil {
		return nil, err
	}

	prev := m.effectiveState(d)

	if meta.AppVersion != "" {
		d.AppVersion = meta.AppVersion
	}
	if meta.MACAddress != "" {
		d.MACAddress = normalizeMAC(meta.MACAddress)
	}
	if meta.CurrentIP != "" {
		d.CurrentIP = meta.CurrentIP
	}
	if meta.BranchID != "" {
		d.BranchID = meta.BranchID
	}
	if now.After(d.LastSeen) {
		d.LastSeen = now
	}
	d.State = models.DeviceStateOnline

	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if prev == models.DeviceStateOffline {
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:     TopicDeviceRecovered,
			Source:    m.Name(),
			Timestamp: now,
			Payload: &StateChangeEvent{
				DeviceID: d.ID,
				BranchID: d.BranchID,
				From:     prev,
				To:       models.DeviceStateOnline,
				LastSeen: d.LastSeen,
			},
		})
	}

	heartbeatsTotal.WithLabelValues("heartbeat").Inc()
	return d, nil
}

// CurrentState computes the device's liveness from last_seen and wall-clock
// time. No background sweep is required for this to be correct.
func (m *Module) CurrentState(ctx context.Context, deviceID string) (models.DeviceState, error) {
	d, err := m.store.Get(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return m.effectiveState(d), nil
}

// effectiveState derives liveness from the heartbeat age.
func (m *Module) effectiveState(d *models.Device) models.DeviceState {
	age := m.now().Sub(d.LastSeen)
	switch {
	case age >= m.cfg.OfflineThreshold:
		return models.DeviceStateOffline
	case age >= m.cfg.StaleThreshold:
		return models.DeviceStateStale
	default:
		return models.DeviceStateOnline
	}
}

// sweepLoop periodically reconciles persisted states with the computed ones so
// listings and alerting stay accurate without a timer per device.
func (m *Module) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// sweepOnce flips every device whose persisted state drifted from the computed
// one, publishing offline events for devices that just crossed the threshold.
func (m *Module) sweepOnce(ctx context.Context) {
	devices, err := m.store.ListAll(ctx)
	if err != nil {
		m.logger.Warn("liveness sweep failed", zap.Error(err))
		return
	}

	var flipped int
	for i := range devices {
		d := &devices[i]
		computed := m.effectiveState(d)
		if computed == d.State {
			continue
		}
		if err := m.store.UpdateState(ctx, d.ID, computed); err != nil {
			m.logger.Warn("update device state", zap.String("device_id", d.ID), zap.Error(err))
			continue
		}
		flipped++

		if computed == models.DeviceStateOffline {
			m.bus.PublishAsync(ctx, plugin.Event{
				Topic:     TopicDeviceOffline,
				Source:    m.Name(),
				Timestamp: m.now(),
				Payload: &StateChangeEvent{
					DeviceID: d.ID,
					BranchID: d.BranchID,
					From:     d.State,
					To:       computed,
					LastSeen: d.LastSeen,
				},
			})
		}
	}

	if flipped > 0 {
		m.logger.Debug("liveness sweep flipped devices", zap.Int("count", flipped))
	}
	m.updateStateGauges(devices)
}
