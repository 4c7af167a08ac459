package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/plugin"
)

// testModule is a minimal module for registry tests.
type testModule struct {
	name    string
	initErr error
	inited  bool
	started bool
	stopped bool
	routes  []plugin.Route
}

func (m *testModule) Name() string    { return m.name }
func (m *testModule) Version() string { return "1.0.0" }

func (m *testModule) Init(_ *viper.Viper, _ *zap.Logger) error {
	m.inited = true
	return m.initErr
}

func (m *testModule) Start(_ context.Context) error {
	m.started = true
	return nil
}

func (m *testModule) Stop() error {
	m.stopped = true
	return nil
}

func (m *testModule) Routes() []plugin.Route { return m.routes }

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestRegister(t *testing.T) {
	reg := New(testLogger())

	m := &testModule{name: "alpha"}
	if err := reg.Register(m); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Duplicate registration should fail.
	if err := reg.Register(m); err == nil {
		t.Fatal("Register() expected error for duplicate, got nil")
	}
}

func TestRegisterEmptyName(t *testing.T) {
	reg := New(testLogger())
	if err := reg.Register(&testModule{name: ""}); err == nil {
		t.Fatal("Register() expected error for empty name, got nil")
	}
}

func TestInitAllDisabledSkipped(t *testing.T) {
	reg := New(testLogger())
	a := &testModule{name: "a"}
	b := &testModule{name: "b"}
	reg.Register(a)
	reg.Register(b)

	cfg := viper.New()
	cfg.Set("modules.b.enabled", false)

	if err := reg.InitAll(cfg); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if !a.inited {
		t.Error("module a not initialized")
	}
	if b.inited {
		t.Error("disabled module b was initialized")
	}
}

func TestInitAllPropagatesError(t *testing.T) {
	reg := New(testLogger())
	wantErr := errors.New("boom")
	reg.Register(&testModule{name: "bad", initErr: wantErr})

	if err := reg.InitAll(viper.New()); !errors.Is(err, wantErr) {
		t.Fatalf("InitAll() error = %v, want %v", err, wantErr)
	}
}

func TestStartStopOrder(t *testing.T) {
	reg := New(testLogger())
	a := &testModule{name: "a"}
	b := &testModule{name: "b"}
	reg.Register(a)
	reg.Register(b)

	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	if !a.started || !b.started {
		t.Error("not all modules started")
	}

	reg.StopAll()
	if !a.stopped || !b.stopped {
		t.Error("not all modules stopped")
	}
}

func TestAllRoutes(t *testing.T) {
	reg := New(testLogger())
	m := &testModule{
		name:   "web",
		routes: []plugin.Route{{Method: "GET", Path: "/things"}},
	}
	reg.Register(m)
	reg.Register(&testModule{name: "quiet"})

	routes := reg.AllRoutes()
	if len(routes) != 1 {
		t.Fatalf("AllRoutes() returned %d modules, want 1", len(routes))
	}
	if len(routes["web"]) != 1 {
		t.Errorf("routes[web] = %d routes, want 1", len(routes["web"]))
	}
}
