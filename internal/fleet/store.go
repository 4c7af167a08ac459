package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// Sentinel errors returned by the fleet module.
var (
	// ErrNotFound indicates the referenced device does not exist.
	ErrNotFound = errors.New("device not found")

	// ErrHasPendingCommands blocks deletion while commands are in flight.
	ErrHasPendingCommands = errors.New("device has pending commands")
)

// FleetStore persists devices in the fleet_devices table.
type FleetStore struct {
	db *sql.DB
}

// NewFleetStore creates a FleetStore. Tables must already exist (created by
// the fleet module's migrations).
func NewFleetStore(db *sql.DB) *FleetStore {
	return &FleetStore{db: db}
}

// migrations returns the fleet module's schema migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create fleet_devices",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE fleet_devices (
						id               TEXT PRIMARY KEY,
						name             TEXT NOT NULL DEFAULT '',
						mac_address      TEXT NOT NULL DEFAULT '',
						current_ip       TEXT NOT NULL DEFAULT '',
						branch_id        TEXT NOT NULL DEFAULT '',
						kind             TEXT NOT NULL DEFAULT 'unknown',
						vendor           TEXT NOT NULL DEFAULT '',
						app_version      TEXT NOT NULL DEFAULT '',
						os               TEXT NOT NULL DEFAULT '',
						state            TEXT NOT NULL DEFAULT 'offline',
						discovery_method TEXT NOT NULL DEFAULT 'manual',
						first_seen       DATETIME NOT NULL,
						last_seen        DATETIME NOT NULL
					);
					CREATE INDEX idx_fleet_devices_branch ON fleet_devices(branch_id);
					CREATE INDEX idx_fleet_devices_mac ON fleet_devices(mac_address);
					CREATE INDEX idx_fleet_devices_ip ON fleet_devices(current_ip);
				`)
				return err
			},
		},
	}
}

// deviceColumns is the shared SELECT column list for device queries.
const deviceColumns = `id, name, mac_address, current_ip, branch_id, kind,
	vendor, app_version, os, state, discovery_method, first_seen, last_seen`

func (s *FleetStore) Get(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM fleet_devices WHERE id = ?`, id)
	d, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", id, err)
	}
	return d, nil
}

// GetByIP returns the most-recently-seen device with the given IP. IP reuse is
// expected on DHCP networks, so IP is never treated as a unique key.
func (s *FleetStore) GetByIP(ctx context.Context, ip string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM fleet_devices
		WHERE current_ip = ? ORDER BY last_seen DESC LIMIT 1`, ip)
	d, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device by ip %q: %w", ip, err)
	}
	return d, nil
}

// GetByMAC returns the most-recently-seen device with the given MAC address.
func (s *FleetStore) GetByMAC(ctx context.Context, mac string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM fleet_devices
		WHERE mac_address = ? COLLATE NOCASE ORDER BY last_seen DESC LIMIT 1`, mac)
	d, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device by mac %q: %w", mac, err)
	}
	return d, nil
}

func (s *FleetStore) ListByBranch(ctx context.Context, branchID string) ([]models.Device, error) {
	return s.list(ctx,
		`SELECT `+deviceColumns+` FROM fleet_devices WHERE branch_id = ? ORDER BY name, id`,
		branchID)
}

func (s *FleetStore) ListAll(ctx context.Context) ([]models.Device, error) {
	return s.list(ctx,
		`SELECT `+deviceColumns+` FROM fleet_devices ORDER BY branch_id, name, id`)
}

// ListByKind returns all devices of the given kind.
func (s *FleetStore) ListByKind(ctx context.Context, kind models.DeviceKind) ([]models.Device, error) {
	return s.list(ctx,
		`SELECT `+deviceColumns+` FROM fleet_devices WHERE kind = ? ORDER BY branch_id, name, id`,
		string(kind))
}

func (s *FleetStore) list(ctx context.Context, query string, args ...any) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

func (s *FleetStore) Insert(ctx context.Context, d *models.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_devices (
			id, name, mac_address, current_ip, branch_id, kind,
			vendor, app_version, os, state, discovery_method, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.MACAddress, d.CurrentIP, d.BranchID, string(d.Kind),
		d.Vendor, d.AppVersion, d.OS, string(d.State), string(d.DiscoveryMethod),
		d.FirstSeen, d.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (s *FleetStore) Update(ctx context.Context, d *models.Device) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fleet_devices SET
			name = ?, mac_address = ?, current_ip = ?, branch_id = ?, kind = ?,
			vendor = ?, app_version = ?, os = ?, state = ?, discovery_method = ?,
			last_seen = ?
		WHERE id = ?`,
		d.Name, d.MACAddress, d.CurrentIP, d.BranchID, string(d.Kind),
		d.Vendor, d.AppVersion, d.OS, string(d.State), string(d.DiscoveryMethod),
		d.LastSeen, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateState persists a computed liveness state without touching last_seen.
func (s *FleetStore) UpdateState(ctx context.Context, id string, state models.DeviceState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fleet_devices SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("update device state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *FleetStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fleet_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of registered devices.
func (s *FleetStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fleet_devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

// scanDevice scans one device row via the given Scan function, shared between
// *sql.Row and *sql.Rows.
func scanDevice(scan func(dest ...any) error) (*models.Device, error) {
	var d models.Device
	var kind, state, method string
	var firstSeen, lastSeen time.Time
	err := scan(
		&d.ID, &d.Name, &d.MACAddress, &d.CurrentIP, &d.BranchID, &kind,
		&d.Vendor, &d.AppVersion, &d.OS, &state, &method, &firstSeen, &lastSeen,
	)
	if err != nil {
		return nil, err
	}
	d.Kind = models.DeviceKind(kind)
	d.State = models.DeviceState(state)
	d.DiscoveryMethod = models.DiscoveryMethod(method)
	d.FirstSeen = firstSeen.UTC()
	d.LastSeen = lastSeen.UTC()
	return &d, nil
}
