// Package plugin defines the contracts every fleetd module implements and the
// shared infrastructure interfaces (event bus, store) modules are wired with.
package plugin

import (
	"context"
	"net/http"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Route represents an HTTP route exposed by a module. Path uses Go 1.22
// ServeMux patterns ("/devices/{id}") and is mounted under
// /api/v1/{module}{path}.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Module is the interface all fleetd modules implement.
type Module interface {
	// Name returns the module's unique identifier (e.g., "fleet", "dispatch").
	Name() string

	// Version returns the module's semantic version.
	Version() string

	// Init prepares the module with its configuration subtree and a named logger.
	Init(config *viper.Viper, logger *zap.Logger) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop() error
}

// HealthStatus reports a module's operational state.
type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Detail  map[string]string `json:"detail,omitempty"`
}
