package sweep

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// scanRequest is the JSON body for POST /scan.
type scanRequest struct {
	Subnet   string `json:"subnet"`
	BranchID string `json:"branch_id,omitempty"`
}

// printerRequest is the JSON body for POST /printers (manual registration).
type printerRequest struct {
	Name       string `json:"name,omitempty"`
	CurrentIP  string `json:"current_ip"`
	MACAddress string `json:"mac_address,omitempty"`
	BranchID   string `json:"branch_id,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/scan", Handler: m.handleScan},
		{Method: "GET", Path: "/scans", Handler: m.handleListScans},
		{Method: "GET", Path: "/scans/{id}", Handler: m.handleGetScan},
		{Method: "POST", Path: "/scans/{id}/cancel", Handler: m.handleCancelScan},
		{Method: "GET", Path: "/printers", Handler: m.handleListPrinters},
		{Method: "POST", Path: "/printers", Handler: m.handleCreatePrinter},
	}
}

// handleScan launches a discovery sweep and returns the run record.
//
//	@Summary		Start subnet sweep
//	@Description	Probes the subnet with bounded concurrency, identifying printers.
//	@Tags			sweep
//	@Accept			json
//	@Produce		json
//	@Success		202 {object} models.SweepRun
//	@Router			/sweep/scan [post]
func (m *Module) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sweepWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Subnet == "" {
		sweepWriteError(w, http.StatusBadRequest, "subnet is required")
		return
	}

	run, err := m.sweeper.Start(r.Context(), req.Subnet, req.BranchID)
	if err != nil {
		if errors.Is(err, ErrTooManyHosts) {
			sweepWriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		m.logger.Warn("sweep start failed", zap.String("subnet", req.Subnet), zap.Error(err))
		sweepWriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	sweepWriteJSON(w, http.StatusAccepted, run)
}

func (m *Module) handleListScans(w http.ResponseWriter, r *http.Request) {
	runs, err := m.store.List(r.Context(), 0)
	if err != nil {
		sweepWriteError(w, http.StatusInternalServerError, "failed to list sweep runs")
		return
	}
	sweepWriteJSON(w, http.StatusOK, runs)
}

func (m *Module) handleGetScan(w http.ResponseWriter, r *http.Request) {
	run, err := m.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			sweepWriteError(w, http.StatusNotFound, "sweep run not found")
			return
		}
		sweepWriteError(w, http.StatusInternalServerError, "failed to load sweep run")
		return
	}
	sweepWriteJSON(w, http.StatusOK, run)
}

// handleCancelScan stops a running sweep. The run keeps the partial counters
// it reached.
func (m *Module) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.sweeper.Cancel(id); err != nil {
		// Distinguish unknown runs from already-finished ones.
		if _, getErr := m.store.Get(r.Context(), id); errors.Is(getErr, ErrRunNotFound) {
			sweepWriteError(w, http.StatusNotFound, "sweep run not found")
			return
		}
		sweepWriteError(w, http.StatusConflict, "sweep run is not active")
		return
	}
	sweepWriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

func (m *Module) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	printers, err := m.registry.ListPrinters(r.Context())
	if err != nil {
		sweepWriteError(w, http.StatusInternalServerError, "failed to list printers")
		return
	}
	sweepWriteJSON(w, http.StatusOK, printers)
}

// handleCreatePrinter registers a printer manually, for devices on subnets
// sweeps cannot reach.
func (m *Module) handleCreatePrinter(w http.ResponseWriter, r *http.Request) {
	var req printerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sweepWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CurrentIP == "" {
		sweepWriteError(w, http.StatusBadRequest, "current_ip is required")
		return
	}

	device, err := m.registry.RegisterOrUpdate(r.Context(), &models.Device{
		Name:            req.Name,
		CurrentIP:       req.CurrentIP,
		MACAddress:      req.MACAddress,
		BranchID:        req.BranchID,
		Vendor:          req.Vendor,
		Kind:            models.DeviceKindPrinter,
		DiscoveryMethod: models.DiscoveryManual,
	})
	if err != nil {
		m.logger.Warn("manual printer registration failed", zap.Error(err))
		sweepWriteError(w, http.StatusServiceUnavailable, "registration could not be persisted")
		return
	}
	sweepWriteJSON(w, http.StatusOK, device)
}

// --- Helpers ---

// sweepWriteJSON writes a JSON response with the given status code.
func sweepWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sweepWriteError writes a problem+json error response.
func sweepWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   fmt.Sprintf("https://fleetd.dev/problems/%s", http.StatusText(status)),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
