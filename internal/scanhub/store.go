package scanhub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// Sentinel errors returned by the scanhub module.
var (
	// ErrSessionNotFound indicates the referenced session does not exist.
	ErrSessionNotFound = errors.New("scan session not found")

	// ErrFileNotFound indicates the referenced scan file does not exist.
	ErrFileNotFound = errors.New("scan file not found")

	// ErrSessionRunning rejects a second concurrent session for one printer.
	ErrSessionRunning = errors.New("printer already has a running scan session")

	// ErrSessionNotRunning rejects stops of already-finished sessions.
	ErrSessionNotRunning = errors.New("scan session is not running")
)

// ScanStore persists scan sessions and their file artifacts.
type ScanStore struct {
	db *sql.DB
}

// NewScanStore creates a ScanStore over an already-migrated database.
func NewScanStore(db *sql.DB) *ScanStore {
	return &ScanStore{db: db}
}

// migrations returns the scanhub module's schema migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create scanhub_sessions and scanhub_files",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE scanhub_sessions (
						id           TEXT PRIMARY KEY,
						printer_id   TEXT NOT NULL,
						status       TEXT NOT NULL DEFAULT 'running',
						started_at   DATETIME NOT NULL,
						stopped_at   DATETIME,
						last_file_at DATETIME
					);
					CREATE INDEX idx_scanhub_sessions_printer ON scanhub_sessions(printer_id, status);

					CREATE TABLE scanhub_files (
						id         TEXT PRIMARY KEY,
						session_id TEXT NOT NULL REFERENCES scanhub_sessions(id),
						name       TEXT NOT NULL,
						size       INTEGER NOT NULL DEFAULT 0,
						checksum   TEXT NOT NULL DEFAULT '',
						path       TEXT NOT NULL,
						created_at DATETIME NOT NULL
					);
					CREATE INDEX idx_scanhub_files_session ON scanhub_files(session_id);
				`)
				return err
			},
		},
	}
}

const sessionColumns = `id, printer_id, status, started_at, stopped_at, last_file_at`

func (s *ScanStore) InsertSession(ctx context.Context, sess *models.ScanSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scanhub_sessions (id, printer_id, status, started_at)
		VALUES (?, ?, ?, ?)`,
		sess.ID, sess.PrinterID, string(sess.Status), sess.StartedAt)
	if err != nil {
		return fmt.Errorf("insert scan session: %w", err)
	}
	return nil
}

func (s *ScanStore) GetSession(ctx context.Context, id string) (*models.ScanSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM scanhub_sessions WHERE id = ?`, id)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get scan session %q: %w", id, err)
	}
	return sess, nil
}

// RunningByPrinter returns the printer's running session, or ErrSessionNotFound.
func (s *ScanStore) RunningByPrinter(ctx context.Context, printerID string) (*models.ScanSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM scanhub_sessions
		WHERE printer_id = ? AND status = 'running' LIMIT 1`, printerID)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("running session for %q: %w", printerID, err)
	}
	return sess, nil
}

// ListRunning returns every running session.
func (s *ScanStore) ListRunning(ctx context.Context) ([]models.ScanSession, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM scanhub_sessions WHERE status = 'running' ORDER BY started_at`)
}

// ListSessions returns session history, newest first.
func (s *ScanStore) ListSessions(ctx context.Context, limit int) ([]models.ScanSession, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM scanhub_sessions ORDER BY started_at DESC LIMIT ?`, limit)
}

// FinishSession transitions a running session to stopped or expired. The
// status guard keeps a stop and the watchdog from double-finishing.
func (s *ScanStore) FinishSession(ctx context.Context, id string, status models.SessionStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scanhub_sessions SET status = ?, stopped_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), at, id)
	if err != nil {
		return fmt.Errorf("finish scan session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotRunning
	}
	return nil
}

// TouchLastFile records document activity on a session.
func (s *ScanStore) TouchLastFile(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scanhub_sessions SET last_file_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touch scan session: %w", err)
	}
	return nil
}

// DeleteSession removes a finished session and its file rows. Artifact files
// on disk are the caller's responsibility.
func (s *ScanStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM scanhub_files WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session files: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scanhub_sessions WHERE id = ? AND status != 'running'`, id)
	if err != nil {
		return fmt.Errorf("delete scan session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *ScanStore) listSessions(ctx context.Context, query string, args ...any) ([]models.ScanSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scan sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.ScanSession{}
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan sessions: %w", err)
	}
	return sessions, nil
}

const fileColumns = `id, session_id, name, size, checksum, path, created_at`

func (s *ScanStore) InsertFile(ctx context.Context, f *models.ScanFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scanhub_files (id, session_id, name, size, checksum, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, f.Name, f.Size, f.Checksum, f.Path, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scan file: %w", err)
	}
	return nil
}

func (s *ScanStore) GetFile(ctx context.Context, id string) (*models.ScanFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM scanhub_files WHERE id = ?`, id)
	f, err := scanFile(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("get scan file %q: %w", id, err)
	}
	return f, nil
}

func (s *ScanStore) DeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scanhub_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scan file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	return nil
}

// FilesBySession returns a session's file artifacts in creation order.
func (s *ScanStore) FilesBySession(ctx context.Context, sessionID string) ([]models.ScanFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM scanhub_files WHERE session_id = ? ORDER BY created_at, rowid`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list scan files: %w", err)
	}
	defer rows.Close()

	files := []models.ScanFile{}
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan files: %w", err)
	}
	return files, nil
}

func scanSession(scan func(dest ...any) error) (*models.ScanSession, error) {
	var sess models.ScanSession
	var status string
	var startedAt time.Time
	var stoppedAt, lastFileAt sql.NullTime
	err := scan(&sess.ID, &sess.PrinterID, &status, &startedAt, &stoppedAt, &lastFileAt)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.StartedAt = startedAt.UTC()
	if stoppedAt.Valid {
		t := stoppedAt.Time.UTC()
		sess.StoppedAt = &t
	}
	if lastFileAt.Valid {
		t := lastFileAt.Time.UTC()
		sess.LastFileAt = &t
	}
	return &sess, nil
}

func scanFile(scan func(dest ...any) error) (*models.ScanFile, error) {
	var f models.ScanFile
	var createdAt time.Time
	err := scan(&f.ID, &f.SessionID, &f.Name, &f.Size, &f.Checksum, &f.Path, &createdAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = createdAt.UTC()
	return &f, nil
}
