package sweep

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// ErrRunNotFound indicates the referenced sweep run does not exist.
var ErrRunNotFound = errors.New("sweep run not found")

// SweepStore persists sweep runs in the sweep_runs table.
type SweepStore struct {
	db *sql.DB
}

// NewSweepStore creates a SweepStore over an already-migrated database.
func NewSweepStore(db *sql.DB) *SweepStore {
	return &SweepStore{db: db}
}

// migrations returns the sweep module's schema migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create sweep_runs",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE sweep_runs (
						id         TEXT PRIMARY KEY,
						subnet     TEXT NOT NULL,
						branch_id  TEXT NOT NULL DEFAULT '',
						status     TEXT NOT NULL DEFAULT 'running',
						probed     INTEGER NOT NULL DEFAULT 0,
						found      INTEGER NOT NULL DEFAULT 0,
						started_at DATETIME NOT NULL,
						ended_at   DATETIME,
						error      TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX idx_sweep_runs_started ON sweep_runs(started_at);
				`)
				return err
			},
		},
	}
}

const runColumns = `id, subnet, branch_id, status, probed, found, started_at, ended_at, error`

func (s *SweepStore) Insert(ctx context.Context, run *models.SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, subnet, branch_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Subnet, run.BranchID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert sweep run: %w", err)
	}
	return nil
}

func (s *SweepStore) Get(ctx context.Context, id string) (*models.SweepRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sweep_runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get sweep run %q: %w", id, err)
	}
	return run, nil
}

// List returns recent sweep runs, newest first.
func (s *SweepStore) List(ctx context.Context, limit int) ([]models.SweepRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sweep_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep runs: %w", err)
	}
	defer rows.Close()

	runs := []models.SweepRun{}
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sweep run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep runs: %w", err)
	}
	return runs, nil
}

// UpdateProgress persists the running counters mid-sweep.
func (s *SweepStore) UpdateProgress(ctx context.Context, id string, probed, found int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sweep_runs SET probed = ?, found = ? WHERE id = ?`, probed, found, id)
	if err != nil {
		return fmt.Errorf("update sweep progress: %w", err)
	}
	return nil
}

// Finish records a run's terminal status and final counters.
func (s *SweepStore) Finish(ctx context.Context, id string, status models.SweepStatus, probed, found int, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sweep_runs SET status = ?, probed = ?, found = ?, error = ?, ended_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), probed, found, errMsg, at, id)
	if err != nil {
		return fmt.Errorf("finish sweep run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (*models.SweepRun, error) {
	var run models.SweepRun
	var status string
	var startedAt time.Time
	var endedAt sql.NullTime
	err := scan(&run.ID, &run.Subnet, &run.BranchID, &status,
		&run.Probed, &run.Found, &startedAt, &endedAt, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Status = models.SweepStatus(status)
	run.StartedAt = startedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}
	return &run, nil
}
