// Package registry manages the lifecycle of all fleetd modules.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/plugin"
)

// Registry owns registration order and lifecycle of modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]plugin.Module
	order   []string
	started []string
	logger  *zap.Logger
}

// New creates a module registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		modules: make(map[string]plugin.Module),
		logger:  logger,
	}
}

// Register adds a module to the registry.
func (r *Registry) Register(m plugin.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if name == "" {
		return fmt.Errorf("module name must not be empty")
	}
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}

	r.modules[name] = m
	r.order = append(r.order, name)
	r.logger.Info("module registered", zap.String("name", name), zap.String("version", m.Version()))
	return nil
}

// InitAll initializes all registered modules with their configuration subtree.
// A module explicitly disabled via modules.{name}.enabled=false is skipped.
func (r *Registry) InitAll(config *viper.Viper) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		m := r.modules[name]

		key := "modules." + name
		moduleConfig := config.Sub(key)
		if moduleConfig == nil {
			moduleConfig = viper.New()
		}

		if config.IsSet(key+".enabled") && !config.GetBool(key+".enabled") {
			r.logger.Info("module disabled, skipping", zap.String("name", name))
			continue
		}

		r.logger.Info("initializing module", zap.String("name", name))
		if err := m.Init(moduleConfig, r.logger.Named(name)); err != nil {
			return fmt.Errorf("init module %q: %w", name, err)
		}

		if v, ok := m.(plugin.Validator); ok {
			if err := v.ValidateConfig(); err != nil {
				return fmt.Errorf("validate module %q config: %w", name, err)
			}
		}
	}
	return nil
}

// StartAll starts all initialized modules in registration order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		m := r.modules[name]
		r.logger.Info("starting module", zap.String("name", name))
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start module %q: %w", name, err)
		}
		r.started = append(r.started, name)
	}
	return nil
}

// StopAll stops started modules in reverse start order.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		m := r.modules[name]
		r.logger.Info("stopping module", zap.String("name", name))
		if err := m.Stop(); err != nil {
			r.logger.Error("failed to stop module", zap.String("name", name), zap.Error(err))
		}
	}
	r.started = nil
}

// Get returns a module by name.
func (r *Registry) Get(name string) (plugin.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// All returns all registered modules in registration order.
func (r *Registry) All() []plugin.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plugin.Module, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.modules[name])
	}
	return result
}

// AllRoutes returns every HTTPProvider module's routes keyed by module name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if hp, ok := r.modules[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}
