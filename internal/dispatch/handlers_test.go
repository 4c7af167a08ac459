package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/models"
)

func newTestModule(t *testing.T) *Module {
	t.Helper()
	q, _, _ := newTestQueue(t)
	return &Module{logger: zap.NewNop(), cfg: q.cfg, queue: q}
}

func TestHandleNextCommandEmpty(t *testing.T) {
	m := newTestModule(t)

	req := httptest.NewRequest("GET", "/devices/d1/next-command", nil)
	req.SetPathValue("deviceId", "d1")
	w := httptest.NewRecorder()
	m.handleNextCommand(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 for empty queue", w.Code)
	}
}

func TestHandleActionEnqueuesAndPolls(t *testing.T) {
	m := newTestModule(t)

	req := httptest.NewRequest("POST", "/devices/d1/reboot", nil)
	req.SetPathValue("deviceId", "d1")
	req.SetPathValue("action", "reboot")
	w := httptest.NewRecorder()
	m.handleAction(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, want 202", w.Code)
	}

	pollReq := httptest.NewRequest("GET", "/devices/d1/next-command", nil)
	pollReq.SetPathValue("deviceId", "d1")
	pollW := httptest.NewRecorder()
	m.handleNextCommand(pollW, pollReq)

	if pollW.Code != http.StatusOK {
		t.Fatalf("poll status = %d, want 200", pollW.Code)
	}
	var cmd models.Command
	if err := json.NewDecoder(pollW.Body).Decode(&cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Type != models.CommandReboot || cmd.Status != models.CommandSent {
		t.Errorf("command = %+v, want sent reboot", cmd)
	}
}

func TestHandleActionUnknown(t *testing.T) {
	m := newTestModule(t)

	req := httptest.NewRequest("POST", "/devices/d1/self-destruct", nil)
	req.SetPathValue("deviceId", "d1")
	req.SetPathValue("action", "self-destruct")
	w := httptest.NewRecorder()
	m.handleAction(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleEnqueueUnknownDevice(t *testing.T) {
	m := newTestModule(t)

	req := httptest.NewRequest("POST", "/devices/ghost/commands",
		strings.NewReader(`{"type":"reboot"}`))
	req.SetPathValue("deviceId", "ghost")
	w := httptest.NewRecorder()
	m.handleEnqueue(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unregistered device", w.Code)
	}
}

func TestHandleResultDuplicateDelivery(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	cmd, err := m.queue.Enqueue(ctx, "d1", models.CommandGetTime, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := m.queue.NextDue(ctx, "d1"); err != nil {
		t.Fatalf("NextDue() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/commands/"+cmd.ID+"/result",
			strings.NewReader(`{"success":true,"result":"12:00:00"}`))
		req.SetPathValue("id", cmd.ID)
		w := httptest.NewRecorder()
		m.handleResult(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, want 200", i, w.Code)
		}
	}

	got, _ := m.queue.Get(ctx, cmd.ID)
	if got.Status != models.CommandAcked {
		t.Errorf("status = %q, want acked", got.Status)
	}
}

func TestHandleSetTimeValidatesBody(t *testing.T) {
	m := newTestModule(t)

	req := httptest.NewRequest("PUT", "/devices/d1/time", strings.NewReader(`{}`))
	req.SetPathValue("deviceId", "d1")
	w := httptest.NewRecorder()
	m.handleSetTime(w, req)

	// Zero time fails payload validation downstream.
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing time", w.Code)
	}
}

func TestHandleActionSetTime(t *testing.T) {
	m := newTestModule(t)

	req := httptest.NewRequest("POST", "/devices/d1/set-time",
		strings.NewReader(`{"time":"2026-08-31T12:00:00Z"}`))
	req.SetPathValue("deviceId", "d1")
	req.SetPathValue("action", "set-time")
	w := httptest.NewRecorder()
	m.handleAction(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var cmd models.Command
	if err := json.NewDecoder(w.Body).Decode(&cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Type != models.CommandSetTime || cmd.Status != models.CommandPending {
		t.Errorf("command = %+v, want pending set_time", cmd)
	}

	// The same body validation as PUT /devices/{id}/time applies.
	bad := httptest.NewRequest("POST", "/devices/d1/set-time", strings.NewReader(`{}`))
	bad.SetPathValue("deviceId", "d1")
	bad.SetPathValue("action", "set-time")
	w = httptest.NewRecorder()
	m.handleAction(w, bad)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing time", w.Code)
	}
}

func TestHandleBranchSyncTime(t *testing.T) {
	m := newTestModule(t)

	req := httptest.NewRequest("PUT", "/branches/b1/devices/time", nil)
	req.SetPathValue("branchId", "b1")
	w := httptest.NewRecorder()
	m.handleBranchSyncTime(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp struct {
		Enqueued int `json:"enqueued"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Enqueued != 2 {
		t.Errorf("enqueued = %d, want 2", resp.Enqueued)
	}
}

func TestHandleBranchSyncTimeReportsRejections(t *testing.T) {
	m := newTestModule(t)
	m.queue.directory.(*stubDirectory).branches["b3"] = []models.Device{
		{ID: "ghost", BranchID: "b3"},
		{ID: "d1", BranchID: "b3"},
	}

	req := httptest.NewRequest("PUT", "/branches/b3/devices/time", nil)
	req.SetPathValue("branchId", "b3")
	w := httptest.NewRecorder()
	m.handleBranchSyncTime(w, req)

	// A rejected device degrades the fan-out, it does not fail the request.
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 despite a rejected device", w.Code)
	}
	var resp struct {
		Enqueued int `json:"enqueued"`
		Failures []BranchFailure
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", resp.Enqueued)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].DeviceID != "ghost" {
		t.Errorf("failures = %+v, want ghost only", resp.Failures)
	}
}
