// Package store is the shared SQLite persistence layer for fleetd modules:
// one database file, per-module versioned schema migrations, and a bounded
// retry policy (see RetryPolicy) for writes that must not be lost.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/branchops/fleetd/pkg/plugin"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var _ plugin.Store = (*SQLiteStore)(nil)

// openPragmas is applied on every open. WAL lets heartbeat reads proceed
// while a write is in progress; the busy timeout covers the rest.
var openPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA cache_size=-20000",
}

// SQLiteStore implements plugin.Store. All fleetd modules share one store;
// each owns its own tables and migration history.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes Migrate across modules
}

// New opens (or creates) the fleetd database at path. The driver requires
// pragmas as statements rather than DSN parameters.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// A single write connection avoids SQLITE_BUSY churn between modules.
	db.SetMaxOpenConns(1)

	for _, p := range openPragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %s: %w", path, p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying *sql.DB for module repositories.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Tx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Migrate brings the named module's schema up to date. Each migration runs in
// its own transaction together with its history row, so a failed migration
// leaves no half-applied state. Migrations must arrive in ascending Version
// order.
func (s *SQLiteStore) Migrate(ctx context.Context, moduleName string, migrations []plugin.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			module      TEXT     NOT NULL,
			version     INTEGER  NOT NULL,
			description TEXT     NOT NULL,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (module, version)
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM schema_migrations WHERE module = ?", moduleName,
	).Scan(&current); err != nil {
		return fmt.Errorf("read %s schema version: %w", moduleName, err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.Version) <= current.Int64 {
			continue
		}
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (module, version, description) VALUES (?, ?, ?)",
				moduleName, m.Version, m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", moduleName, m.Version, m.Description, err)
		}
	}

	return nil
}
