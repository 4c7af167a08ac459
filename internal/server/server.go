// Package server hosts the fleetd HTTP API and mounts module routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/internal/registry"
	"github.com/branchops/fleetd/internal/version"
	"github.com/branchops/fleetd/pkg/plugin"
)

// Options tunes server behavior beyond the listen address.
type Options struct {
	// AuthSecret enables JWT bearer auth on mutating operator routes when
	// non-empty. Device-facing routes stay open (devices hold no tokens).
	AuthSecret string
}

// Server is the main fleetd HTTP server.
type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
	logger     *zap.Logger
	mux        *http.ServeMux
	auth       *authenticator
}

// New creates a Server and mounts core and module routes.
func New(addr string, reg *registry.Registry, logger *zap.Logger, opts Options) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		registry: reg,
		logger:   logger,
		mux:      mux,
	}
	if opts.AuthSecret != "" {
		s.auth = newAuthenticator(opts.AuthSecret)
	}

	s.registerCoreRoutes()
	s.mountModuleRoutes()

	return s
}

// registerCoreRoutes sets up routes that are always available.
func (s *Server) registerCoreRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/modules", s.handleModules)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// mountModuleRoutes registers all module routes under /api/v1/{module}/.
// Operator-only routes (anything mutating except the device protocol surface)
// pass through the auth middleware when auth is enabled.
func (s *Server) mountModuleRoutes() {
	for moduleName, routes := range s.registry.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, moduleName, route.Path)
			s.mux.HandleFunc(pattern, s.wrap(moduleName, route))
			s.logger.Debug("mounted route",
				zap.String("module", moduleName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// deviceRoutes are device-agent protocol endpoints that must work without an
// operator token: heartbeats, command polling, and result reporting.
var deviceRoutes = map[string]bool{
	"fleet POST /devices/create":               true,
	"fleet POST /devices/heartbeat":            true,
	"fleet PUT /devices/update-ip":             true,
	"dispatch GET /devices/{deviceId}/next-command": true,
	"dispatch POST /commands/{id}/result":           true,
}

func (s *Server) wrap(moduleName string, route plugin.Route) http.HandlerFunc {
	if s.auth == nil {
		return route.Handler
	}
	if route.Method == http.MethodGet {
		return route.Handler
	}
	if deviceRoutes[moduleName+" "+route.Method+" "+route.Path] {
		return route.Handler
	}
	return s.auth.middleware(route.Handler)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleHealth returns overall server health including per-module status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	moduleHealth := make(map[string]plugin.HealthStatus)
	healthy := true
	for _, m := range s.registry.All() {
		hc, ok := m.(plugin.HealthChecker)
		if !ok {
			continue
		}
		hs := hc.Health(r.Context())
		moduleHealth[m.Name()] = hs
		if !hs.Healthy {
			healthy = false
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"service": "fleetd",
		"version": version.Map(),
		"modules": moduleHealth,
	})
}

// handleModules returns the list of registered modules.
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	type moduleResponse struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	modules := s.registry.All()
	info := make([]moduleResponse, 0, len(modules))
	for _, m := range modules {
		info = append(info, moduleResponse{Name: m.Name(), Version: m.Version()})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}
