package plugin

import (
	"context"
	"database/sql"
)

// Migration is a single versioned schema change owned by one module.
// Migrations must be provided in ascending Version order.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store is the persistence facade handed to modules. Each module owns its own
// tables and migrations, namespaced by module name.
type Store interface {
	// DB returns the underlying database handle for direct queries.
	DB() *sql.DB

	// Tx executes fn within a transaction, committing on nil error.
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error

	// Migrate applies the module's pending migrations.
	Migrate(ctx context.Context, moduleName string, migrations []Migration) error

	// Close releases the store.
	Close() error
}
