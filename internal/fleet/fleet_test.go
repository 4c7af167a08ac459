package fleet

import (
	"context"
	"errors"
	"testing"

	"github.com/branchops/fleetd/pkg/models"
)

// stubGuard is a CommandGuard with canned answers.
type stubGuard struct {
	pending   bool
	cancelled int
}

func (g *stubGuard) HasPending(_ context.Context, _ string) (bool, error) {
	return g.pending, nil
}

func (g *stubGuard) CancelAllForDevice(_ context.Context, _ string) (int, error) {
	g.cancelled++
	g.pending = false
	return 1, nil
}

func TestRegisterOrUpdateMergesNonEmptyFields(t *testing.T) {
	m, _, _ := newTestModule(t)
	ctx := context.Background()

	created, err := m.RegisterOrUpdate(ctx, &models.Device{
		ID: "d1", Name: "player-1", BranchID: "b1", Vendor: "acme", OS: "linux",
	})
	if err != nil {
		t.Fatalf("RegisterOrUpdate() error = %v", err)
	}

	// Re-register with a new IP and app version but empty name/vendor:
	// empty fields must not clobber the existing values.
	updated, err := m.RegisterOrUpdate(ctx, &models.Device{
		ID: "d1", CurrentIP: "10.2.0.4", AppVersion: "2.1.0",
	})
	if err != nil {
		t.Fatalf("RegisterOrUpdate() update error = %v", err)
	}

	if updated.Name != "player-1" {
		t.Errorf("Name = %q, want preserved player-1", updated.Name)
	}
	if updated.Vendor != "acme" {
		t.Errorf("Vendor = %q, want preserved acme", updated.Vendor)
	}
	if updated.CurrentIP != "10.2.0.4" {
		t.Errorf("CurrentIP = %q, want 10.2.0.4", updated.CurrentIP)
	}
	if updated.AppVersion != "2.1.0" {
		t.Errorf("AppVersion = %q, want 2.1.0", updated.AppVersion)
	}
	if !updated.FirstSeen.Equal(created.FirstSeen) {
		t.Errorf("FirstSeen changed on update: %v != %v", updated.FirstSeen, created.FirstSeen)
	}
}

func TestRegisterOrUpdateSameMACNewIDIsNewDevice(t *testing.T) {
	m, _, _ := newTestModule(t)
	ctx := context.Background()

	mac := "AA:BB:CC:DD:EE:FF"
	if _, err := m.RegisterOrUpdate(ctx, &models.Device{ID: "old-id", MACAddress: mac}); err != nil {
		t.Fatalf("RegisterOrUpdate() error = %v", err)
	}

	// A re-provisioned device reports a known MAC but a fresh ID: register
	// anew, never merge automatically.
	if _, err := m.RegisterOrUpdate(ctx, &models.Device{ID: "new-id", MACAddress: mac}); err != nil {
		t.Fatalf("RegisterOrUpdate() error = %v", err)
	}

	if _, err := m.store.Get(ctx, "old-id"); err != nil {
		t.Errorf("old identity gone after re-provisioning: %v", err)
	}
	if _, err := m.store.Get(ctx, "new-id"); err != nil {
		t.Errorf("new identity missing: %v", err)
	}
}

func TestDeleteBlockedByPendingCommands(t *testing.T) {
	m, _, _ := newTestModule(t)
	ctx := context.Background()
	guard := &stubGuard{pending: true}
	m.SetCommandGuard(guard)

	if _, err := m.RegisterOrUpdate(ctx, &models.Device{ID: "d1"}); err != nil {
		t.Fatalf("RegisterOrUpdate() error = %v", err)
	}

	if err := m.Delete(ctx, "d1", false); !errors.Is(err, ErrHasPendingCommands) {
		t.Fatalf("Delete() error = %v, want ErrHasPendingCommands", err)
	}

	// force=true cancels pending commands first, then deletes.
	if err := m.Delete(ctx, "d1", true); err != nil {
		t.Fatalf("Delete(force) error = %v", err)
	}
	if guard.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", guard.cancelled)
	}
	if _, err := m.store.Get(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("device still present after forced delete: %v", err)
	}
}

func TestDeleteUnknownDevice(t *testing.T) {
	m, _, _ := newTestModule(t)
	if err := m.Delete(context.Background(), "missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateNetwork(t *testing.T) {
	m, _, _ := newTestModule(t)
	ctx := context.Background()

	if _, err := m.RegisterOrUpdate(ctx, &models.Device{ID: "d1", Name: "kiosk", CurrentIP: "10.0.0.1"}); err != nil {
		t.Fatalf("RegisterOrUpdate() error = %v", err)
	}

	d, err := m.UpdateNetwork(ctx, "d1", "10.0.0.99", "b7")
	if err != nil {
		t.Fatalf("UpdateNetwork() error = %v", err)
	}
	if d.CurrentIP != "10.0.0.99" || d.BranchID != "b7" {
		t.Errorf("device = %+v, want ip 10.0.0.99 branch b7", d)
	}
	if d.Name != "kiosk" {
		t.Errorf("Name = %q, want untouched kiosk", d.Name)
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"fleet/abc-123/heartbeat", "abc-123"},
		{"fleet/abc/status", ""},
		{"other/abc/heartbeat", ""},
		{"fleet/heartbeat", ""},
	}
	for _, tt := range tests {
		if got := deviceIDFromTopic(tt.topic); got != tt.want {
			t.Errorf("deviceIDFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
