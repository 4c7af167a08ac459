package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// Sentinel errors returned by the dispatch module.
var (
	// ErrNotFound indicates the referenced command does not exist.
	ErrNotFound = errors.New("command not found")

	// ErrDeviceUnknown rejects enqueues for devices the registry has never seen.
	ErrDeviceUnknown = errors.New("device not registered")

	// ErrNotSent rejects results for commands that were never delivered.
	ErrNotSent = errors.New("command not in flight")

	// ErrTerminal rejects transitions out of a terminal status.
	ErrTerminal = errors.New("command already resolved")
)

// DispatchStore persists commands in the dispatch_commands table. FIFO order
// within a device is the insertion order; rowid is the tiebreaker so commands
// enqueued in the same instant still dispatch in order.
type DispatchStore struct {
	db *sql.DB
}

// NewDispatchStore creates a DispatchStore over an already-migrated database.
func NewDispatchStore(db *sql.DB) *DispatchStore {
	return &DispatchStore{db: db}
}

// migrations returns the dispatch module's schema migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create dispatch_commands",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE dispatch_commands (
						id          TEXT PRIMARY KEY,
						device_id   TEXT NOT NULL,
						type        TEXT NOT NULL,
						payload     TEXT NOT NULL DEFAULT '',
						status      TEXT NOT NULL DEFAULT 'pending',
						created_at  DATETIME NOT NULL,
						sent_at     DATETIME,
						resolved_at DATETIME,
						result      TEXT NOT NULL DEFAULT '',
						error       TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX idx_dispatch_commands_device ON dispatch_commands(device_id, status);
					CREATE INDEX idx_dispatch_commands_status ON dispatch_commands(status);
				`)
				return err
			},
		},
	}
}

const commandColumns = `id, device_id, type, payload, status,
	created_at, sent_at, resolved_at, result, error`

func (s *DispatchStore) Insert(ctx context.Context, c *models.Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_commands (
			id, device_id, type, payload, status, created_at, result, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, string(c.Type), string(c.Payload), string(c.Status),
		c.CreatedAt, c.Result, c.Error,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *DispatchStore) Get(ctx context.Context, id string) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM dispatch_commands WHERE id = ?`, id)
	c, err := scanCommand(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get command %q: %w", id, err)
	}
	return c, nil
}

// OldestPending returns the head of the device's pending queue, or ErrNotFound
// when the queue is empty.
func (s *DispatchStore) OldestPending(ctx context.Context, deviceID string) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM dispatch_commands
		WHERE device_id = ? AND status = 'pending'
		ORDER BY created_at, rowid LIMIT 1`, deviceID)
	c, err := scanCommand(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("oldest pending for %q: %w", deviceID, err)
	}
	return c, nil
}

// InFlight returns the device's Sent command, or ErrNotFound when nothing is
// in flight. The queue guarantees at most one row matches.
func (s *DispatchStore) InFlight(ctx context.Context, deviceID string) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM dispatch_commands
		WHERE device_id = ? AND status = 'sent'
		ORDER BY sent_at LIMIT 1`, deviceID)
	c, err := scanCommand(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("in-flight for %q: %w", deviceID, err)
	}
	return c, nil
}

// MarkSent transitions a pending command to Sent.
func (s *DispatchStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_commands SET status = 'sent', sent_at = ?
		WHERE id = ? AND status = 'pending'`, at, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Resolve transitions a Sent command to a terminal status. The status guard in
// the WHERE clause makes concurrent resolutions race-safe: only one wins.
func (s *DispatchStore) Resolve(ctx context.Context, id string, status models.CommandStatus, result, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_commands SET status = ?, resolved_at = ?, result = ?, error = ?
		WHERE id = ? AND status = 'sent'`,
		string(status), at, result, errMsg, id)
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByDevice returns the device's command history, newest first.
func (s *DispatchStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx,
		`SELECT `+commandColumns+` FROM dispatch_commands
		WHERE device_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		deviceID, limit)
}

// ListSent returns every in-flight command, for the timeout sweep.
func (s *DispatchStore) ListSent(ctx context.Context) ([]models.Command, error) {
	return s.list(ctx,
		`SELECT `+commandColumns+` FROM dispatch_commands
		WHERE status = 'sent' ORDER BY sent_at`)
}

// CountNonTerminal returns how many of the device's commands are still live.
func (s *DispatchStore) CountNonTerminal(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatch_commands
		WHERE device_id = ? AND status IN ('pending', 'sent')`, deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-terminal for %q: %w", deviceID, err)
	}
	return n, nil
}

// CancelNonTerminal cancels every live command for a device and returns how
// many were affected.
func (s *DispatchStore) CancelNonTerminal(ctx context.Context, deviceID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_commands SET status = 'cancelled', resolved_at = ?
		WHERE device_id = ? AND status IN ('pending', 'sent')`, at, deviceID)
	if err != nil {
		return 0, fmt.Errorf("cancel all for %q: %w", deviceID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *DispatchStore) list(ctx context.Context, query string, args ...any) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	commands := []models.Command{}
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		commands = append(commands, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return commands, nil
}

// scanCommand scans one command row via the given Scan function, shared
// between *sql.Row and *sql.Rows.
func scanCommand(scan func(dest ...any) error) (*models.Command, error) {
	var c models.Command
	var cmdType, status, payload string
	var createdAt time.Time
	var sentAt, resolvedAt sql.NullTime
	err := scan(
		&c.ID, &c.DeviceID, &cmdType, &payload, &status,
		&createdAt, &sentAt, &resolvedAt, &c.Result, &c.Error,
	)
	if err != nil {
		return nil, err
	}
	c.Type = models.CommandType(cmdType)
	c.Status = models.CommandStatus(status)
	if payload != "" {
		c.Payload = json.RawMessage(payload)
	}
	c.CreatedAt = createdAt.UTC()
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		c.SentAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		c.ResolvedAt = &t
	}
	return &c, nil
}
