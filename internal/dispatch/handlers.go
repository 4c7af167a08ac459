package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// enqueueRequest is the JSON body for POST /devices/{deviceId}/commands.
type enqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// resultRequest is the JSON body devices POST to /commands/{id}/result.
type resultRequest struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// setTimeRequest is the JSON body for PUT /devices/{deviceId}/time.
type setTimeRequest struct {
	Time time.Time `json:"time"`
}

// actionRoutes maps URL action segments to command types for the convenience
// endpoints. configure_wifi and update_app carry payloads through the body.
var actionRoutes = map[string]models.CommandType{
	"reboot":         models.CommandReboot,
	"restart-app":    models.CommandRestartApp,
	"get-time":       models.CommandGetTime,
	"sync-time":      models.CommandSyncTime,
	"set-time":       models.CommandSetTime,
	"get-status":     models.CommandGetStatus,
	"configure-wifi": models.CommandConfigureWifi,
	"update-app":     models.CommandUpdateApp,
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		// Operator surface.
		{Method: "POST", Path: "/devices/{deviceId}/commands", Handler: m.handleEnqueue},
		{Method: "POST", Path: "/devices/{deviceId}/{action}", Handler: m.handleAction},
		{Method: "PUT", Path: "/devices/{deviceId}/time", Handler: m.handleSetTime},
		{Method: "PUT", Path: "/branches/{branchId}/devices/time", Handler: m.handleBranchSyncTime},
		{Method: "GET", Path: "/devices/{deviceId}/commands", Handler: m.handleHistory},
		{Method: "GET", Path: "/commands/{id}", Handler: m.handleGetCommand},
		{Method: "POST", Path: "/commands/{id}/cancel", Handler: m.handleCancel},

		// Device protocol surface (token-free).
		{Method: "GET", Path: "/devices/{deviceId}/next-command", Handler: m.handleNextCommand},
		{Method: "POST", Path: "/commands/{id}/result", Handler: m.handleResult},
	}
}

// handleEnqueue queues an arbitrary typed command for one device.
//
//	@Summary		Enqueue command
//	@Description	Appends a command to the device's FIFO queue.
//	@Tags			dispatch
//	@Accept			json
//	@Produce		json
//	@Success		202 {object} models.Command
//	@Router			/dispatch/devices/{deviceId}/commands [post]
func (m *Module) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		dispatchWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m.enqueueAndRespond(w, r, r.PathValue("deviceId"), models.CommandType(req.Type), req.Payload)
}

// handleAction queues a command named by the URL, e.g. POST /devices/d1/reboot.
// Payload-carrying types read the request body as the payload.
func (m *Module) handleAction(w http.ResponseWriter, r *http.Request) {
	t, ok := actionRoutes[r.PathValue("action")]
	if !ok {
		dispatchWriteError(w, http.StatusNotFound, "unknown command action")
		return
	}

	var payload json.RawMessage
	switch t {
	case models.CommandSetTime:
		// set-time takes the same body as PUT /devices/{deviceId}/time.
		m.handleSetTime(w, r)
		return
	case models.CommandConfigureWifi, models.CommandUpdateApp:
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			dispatchWriteError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}
	m.enqueueAndRespond(w, r, r.PathValue("deviceId"), t, payload)
}

// handleSetTime queues a set_time command carrying an explicit wall-clock value.
func (m *Module) handleSetTime(w http.ResponseWriter, r *http.Request) {
	var req setTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		dispatchWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload, err := json.Marshal(models.SetTimePayload{Time: req.Time})
	if err != nil {
		dispatchWriteError(w, http.StatusInternalServerError, "failed to encode payload")
		return
	}
	m.enqueueAndRespond(w, r, r.PathValue("deviceId"), models.CommandSetTime, payload)
}

// handleBranchSyncTime fans a sync_time command out to every device in the
// branch. Each device gets its own command; rejected devices are reported
// alongside the enqueued commands, never as a request failure.
func (m *Module) handleBranchSyncTime(w http.ResponseWriter, r *http.Request) {
	res, err := m.queue.EnqueueForBranch(r.Context(), r.PathValue("branchId"), models.CommandSyncTime, nil)
	if err != nil {
		m.logger.Warn("branch time sync fan-out failed",
			zap.String("branch_id", r.PathValue("branchId")),
			zap.Error(err),
		)
		dispatchWriteError(w, http.StatusInternalServerError, "failed to list branch devices")
		return
	}
	dispatchWriteJSON(w, http.StatusAccepted, map[string]any{
		"branch_id": r.PathValue("branchId"),
		"enqueued":  len(res.Commands),
		"commands":  res.Commands,
		"failures":  res.Failures,
	})
}

func (m *Module) enqueueAndRespond(w http.ResponseWriter, r *http.Request, deviceID string, t models.CommandType, payload json.RawMessage) {
	cmd, err := m.queue.Enqueue(r.Context(), deviceID, t, payload)
	switch {
	case err == nil:
		dispatchWriteJSON(w, http.StatusAccepted, cmd)
	case errors.Is(err, ErrDeviceUnknown):
		dispatchWriteError(w, http.StatusNotFound, "device not registered")
	default:
		dispatchWriteError(w, http.StatusBadRequest, err.Error())
	}
}

// handleNextCommand is the device polling endpoint. Returns 200 with the
// command (now Sent) or 204 when nothing is due.
func (m *Module) handleNextCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := m.queue.NextDue(r.Context(), r.PathValue("deviceId"))
	if err != nil {
		m.logger.Warn("next-command poll failed",
			zap.String("device_id", r.PathValue("deviceId")),
			zap.Error(err),
		)
		dispatchWriteError(w, http.StatusInternalServerError, "failed to fetch next command")
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	dispatchWriteJSON(w, http.StatusOK, cmd)
}

// handleResult records a device's execution outcome. Duplicate deliveries of
// the same result return 200 without changing anything.
func (m *Module) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		dispatchWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, err := m.queue.ReportResult(r.Context(), r.PathValue("id"), req.Success, req.Result, req.Error)
	switch {
	case err == nil:
		dispatchWriteJSON(w, http.StatusOK, cmd)
	case errors.Is(err, ErrNotFound):
		dispatchWriteError(w, http.StatusNotFound, "command not found")
	case errors.Is(err, ErrNotSent):
		dispatchWriteError(w, http.StatusConflict, "command was never dispatched")
	default:
		dispatchWriteError(w, http.StatusInternalServerError, "failed to record result")
	}
}

func (m *Module) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := m.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			dispatchWriteError(w, http.StatusNotFound, "command not found")
			return
		}
		dispatchWriteError(w, http.StatusInternalServerError, "failed to load command")
		return
	}
	dispatchWriteJSON(w, http.StatusOK, cmd)
}

func (m *Module) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	commands, err := m.queue.History(r.Context(), r.PathValue("deviceId"), limit)
	if err != nil {
		dispatchWriteError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	dispatchWriteJSON(w, http.StatusOK, commands)
}

func (m *Module) handleCancel(w http.ResponseWriter, r *http.Request) {
	cmd, err := m.queue.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		dispatchWriteJSON(w, http.StatusOK, cmd)
	case errors.Is(err, ErrNotFound):
		dispatchWriteError(w, http.StatusNotFound, "command not found")
	case errors.Is(err, ErrTerminal):
		dispatchWriteError(w, http.StatusConflict, "command already resolved")
	default:
		dispatchWriteError(w, http.StatusInternalServerError, "failed to cancel command")
	}
}

// --- Helpers ---

// dispatchWriteJSON writes a JSON response with the given status code.
func dispatchWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// dispatchWriteError writes a problem+json error response.
func dispatchWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   fmt.Sprintf("https://fleetd.dev/problems/%s", http.StatusText(status)),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
