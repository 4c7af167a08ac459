package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/branchops/fleetd/pkg/models"
)

// stubCommandSource returns a canned next-due command.
type stubCommandSource struct {
	cmd *models.Command
	err error
}

func (s *stubCommandSource) NextDue(_ context.Context, _ string) (*models.Command, error) {
	return s.cmd, s.err
}

func TestHandleHeartbeatPiggyBacksCommand(t *testing.T) {
	m, _, _ := newTestModule(t)
	m.SetCommandSource(&stubCommandSource{cmd: &models.Command{
		ID: "cmd-1", DeviceID: "d1", Type: models.CommandReboot, Status: models.CommandSent,
	}})

	body := strings.NewReader(`{"device_id":"d1","app_version":"1.2.3"}`)
	req := httptest.NewRequest("POST", "/devices/heartbeat", body)
	w := httptest.NewRecorder()
	m.handleHeartbeat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp heartbeatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Device == nil || resp.Device.ID != "d1" {
		t.Fatalf("response device = %+v, want d1", resp.Device)
	}
	if resp.Command == nil || resp.Command.ID != "cmd-1" {
		t.Errorf("response command = %+v, want cmd-1", resp.Command)
	}
}

func TestHandleHeartbeatSurvivesCommandSourceFailure(t *testing.T) {
	// Liveness update must never depend on the command queue.
	m, _, _ := newTestModule(t)
	m.SetCommandSource(&stubCommandSource{err: context.DeadlineExceeded})

	body := strings.NewReader(`{"device_id":"d1"}`)
	req := httptest.NewRequest("POST", "/devices/heartbeat", body)
	w := httptest.NewRecorder()
	m.handleHeartbeat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp heartbeatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Command != nil {
		t.Errorf("command = %+v, want nil on source failure", resp.Command)
	}

	if st, err := m.CurrentState(context.Background(), "d1"); err != nil || st != models.DeviceStateOnline {
		t.Errorf("state = %q err = %v, want online", st, err)
	}
}

func TestHandleHeartbeatMissingDeviceID(t *testing.T) {
	m, _, _ := newTestModule(t)

	req := httptest.NewRequest("POST", "/devices/heartbeat", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	m.handleHeartbeat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleCreateAndGetDevice(t *testing.T) {
	m, _, _ := newTestModule(t)

	body := strings.NewReader(`{"id":"d9","name":"till-3","branch_id":"b2","kind":"terminal"}`)
	req := httptest.NewRequest("POST", "/devices/create", body)
	w := httptest.NewRecorder()
	m.handleCreateDevice(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200", w.Code)
	}

	getReq := httptest.NewRequest("GET", "/devices/d9", nil)
	getReq.SetPathValue("id", "d9")
	getW := httptest.NewRecorder()
	m.handleGetDevice(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getW.Code)
	}
	var d models.Device
	if err := json.NewDecoder(getW.Body).Decode(&d); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if d.Name != "till-3" || d.Kind != models.DeviceKindTerminal {
		t.Errorf("device = %+v, want till-3/terminal", d)
	}
}

func TestHandleDeleteDeviceConflict(t *testing.T) {
	m, _, _ := newTestModule(t)
	m.SetCommandGuard(&stubGuard{pending: true})
	ctx := context.Background()

	if _, err := m.RegisterOrUpdate(ctx, &models.Device{ID: "d1"}); err != nil {
		t.Fatalf("RegisterOrUpdate() error = %v", err)
	}

	req := httptest.NewRequest("DELETE", "/devices/d1", nil)
	req.SetPathValue("id", "d1")
	w := httptest.NewRecorder()
	m.handleDeleteDevice(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	forceReq := httptest.NewRequest("DELETE", "/devices/d1?force=true", nil)
	forceReq.SetPathValue("id", "d1")
	forceW := httptest.NewRecorder()
	m.handleDeleteDevice(forceW, forceReq)

	if forceW.Code != http.StatusNoContent {
		t.Fatalf("forced delete status = %d, want 204", forceW.Code)
	}
}

func TestHandleStatusComputesLiveStates(t *testing.T) {
	m, clock, _ := newTestModule(t)
	ctx := context.Background()

	if _, err := m.RecordHeartbeat(ctx, "fresh", HeartbeatMeta{}); err != nil {
		t.Fatalf("RecordHeartbeat() error = %v", err)
	}
	clock.Advance(m.cfg.OfflineThreshold + time.Minute)
	if _, err := m.RecordHeartbeat(ctx, "alive", HeartbeatMeta{}); err != nil {
		t.Fatalf("RecordHeartbeat() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/devices-status", nil)
	w := httptest.NewRecorder()
	m.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var statuses []deviceStatus
	if err := json.NewDecoder(w.Body).Decode(&statuses); err != nil {
		t.Fatalf("decode statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}

	byID := map[string]models.DeviceState{}
	for _, s := range statuses {
		byID[s.DeviceID] = s.State
	}
	if byID["fresh"] != models.DeviceStateOffline {
		t.Errorf("fresh state = %q, want offline (no heartbeat for 6m)", byID["fresh"])
	}
	if byID["alive"] != models.DeviceStateOnline {
		t.Errorf("alive state = %q, want online", byID["alive"])
	}
}
