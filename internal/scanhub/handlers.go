package scanhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/plugin"
)

// startScanRequest is the JSON body for POST /start-scanning.
type startScanRequest struct {
	PrinterID string `json:"printer_id"`
}

// stopScanRequest is the JSON body for POST /stop-scanning. Either field
// identifies the session; printer_id resolves to its running session.
type stopScanRequest struct {
	SessionID string `json:"session_id,omitempty"`
	PrinterID string `json:"printer_id,omitempty"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/start-scanning", Handler: m.handleStartScanning},
		{Method: "POST", Path: "/stop-scanning", Handler: m.handleStopScanning},
		{Method: "GET", Path: "/scanning-status", Handler: m.handleScanningStatus},
		{Method: "GET", Path: "/history", Handler: m.handleHistory},
		{Method: "GET", Path: "/sessions/{id}", Handler: m.handleGetSession},
		{Method: "DELETE", Path: "/sessions/{id}", Handler: m.handleDeleteSession},
		{Method: "GET", Path: "/files/{id}", Handler: m.handleGetFile},
		{Method: "DELETE", Path: "/files/{id}", Handler: m.handleDeleteFile},
	}
}

// handleStartScanning opens a scan session on a printer.
//
//	@Summary		Start scan session
//	@Description	Begins polling the printer for scanned documents.
//	@Tags			scanhub
//	@Accept			json
//	@Produce		json
//	@Success		202 {object} models.ScanSession
//	@Router			/scanhub/start-scanning [post]
func (m *Module) handleStartScanning(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		scanhubWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PrinterID == "" {
		scanhubWriteError(w, http.StatusBadRequest, "printer_id is required")
		return
	}

	sess, err := m.manager.StartSession(r.Context(), req.PrinterID)
	switch {
	case err == nil:
		scanhubWriteJSON(w, http.StatusAccepted, sess)
	case lookupErrNotFound(err):
		scanhubWriteError(w, http.StatusNotFound, "printer not found")
	case errors.Is(err, ErrNotAPrinter):
		scanhubWriteError(w, http.StatusBadRequest, "device is not a printer")
	case errors.Is(err, ErrSessionRunning):
		scanhubWriteError(w, http.StatusConflict, "printer already has a running scan session")
	default:
		m.logger.Warn("scan session start failed", zap.String("printer_id", req.PrinterID), zap.Error(err))
		scanhubWriteError(w, http.StatusInternalServerError, "failed to start scan session")
	}
}

func (m *Module) handleStopScanning(w http.ResponseWriter, r *http.Request) {
	var req stopScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		scanhubWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" && req.PrinterID != "" {
		sess, err := m.store.RunningByPrinter(r.Context(), req.PrinterID)
		if err != nil {
			scanhubWriteError(w, http.StatusNotFound, "no running session for that printer")
			return
		}
		sessionID = sess.ID
	}
	if sessionID == "" {
		scanhubWriteError(w, http.StatusBadRequest, "session_id or printer_id is required")
		return
	}

	sess, err := m.manager.StopSession(r.Context(), sessionID)
	switch {
	case err == nil:
		scanhubWriteJSON(w, http.StatusOK, sess)
	case errors.Is(err, ErrSessionNotFound):
		scanhubWriteError(w, http.StatusNotFound, "scan session not found")
	case errors.Is(err, ErrSessionNotRunning):
		scanhubWriteError(w, http.StatusConflict, "scan session already finished")
	default:
		scanhubWriteError(w, http.StatusInternalServerError, "failed to stop scan session")
	}
}

// handleScanningStatus lists running sessions with their files so far.
func (m *Module) handleScanningStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := m.store.ListRunning(r.Context())
	if err != nil {
		scanhubWriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	for i := range sessions {
		sessions[i].Files, _ = m.store.FilesBySession(r.Context(), sessions[i].ID)
	}
	scanhubWriteJSON(w, http.StatusOK, sessions)
}

func (m *Module) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := m.store.ListSessions(r.Context(), limit)
	if err != nil {
		scanhubWriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	scanhubWriteJSON(w, http.StatusOK, sessions)
}

func (m *Module) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := m.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			scanhubWriteError(w, http.StatusNotFound, "scan session not found")
			return
		}
		scanhubWriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	sess.Files, _ = m.store.FilesBySession(r.Context(), sess.ID)
	scanhubWriteJSON(w, http.StatusOK, sess)
}

func (m *Module) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := m.manager.DeleteSession(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrSessionNotFound):
		scanhubWriteError(w, http.StatusNotFound, "scan session not found")
	case errors.Is(err, ErrSessionRunning):
		scanhubWriteError(w, http.StatusConflict, "stop the session before deleting it")
	default:
		scanhubWriteError(w, http.StatusInternalServerError, "failed to delete session")
	}
}

// handleGetFile streams a scanned document artifact.
func (m *Module) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := m.store.GetFile(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			scanhubWriteError(w, http.StatusNotFound, "scan file not found")
			return
		}
		scanhubWriteError(w, http.StatusInternalServerError, "failed to load file")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	http.ServeFile(w, r, f.Path)
}

func (m *Module) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	err := m.manager.DeleteFile(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrFileNotFound):
		scanhubWriteError(w, http.StatusNotFound, "scan file not found")
	default:
		scanhubWriteError(w, http.StatusInternalServerError, "failed to delete file")
	}
}

// --- Helpers ---

// scanhubWriteJSON writes a JSON response with the given status code.
func scanhubWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// scanhubWriteError writes a problem+json error response.
func scanhubWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   fmt.Sprintf("https://fleetd.dev/problems/%s", http.StatusText(status)),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
