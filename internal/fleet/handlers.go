package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/models"
	"github.com/branchops/fleetd/pkg/plugin"
)

// createDeviceRequest is the JSON body for POST /devices/create.
type createDeviceRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	CurrentIP  string `json:"current_ip,omitempty"`
	BranchID   string `json:"branch_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	OS         string `json:"os,omitempty"`
}

// heartbeatRequest is the JSON body for POST /devices/heartbeat.
type heartbeatRequest struct {
	DeviceID   string `json:"device_id"`
	AppVersion string `json:"app_version,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	CurrentIP  string `json:"current_ip,omitempty"`
	BranchID   string `json:"branch_id,omitempty"`
}

// heartbeatResponse echoes the device and may piggy-back the next due command
// so well-behaved devices avoid a second poll round-trip.
type heartbeatResponse struct {
	Device  *models.Device  `json:"device"`
	Command *models.Command `json:"command,omitempty"`
}

// updateIPRequest is the JSON body for PUT /devices/update-ip.
type updateIPRequest struct {
	DeviceID string `json:"device_id"`
	DeviceIP string `json:"device_ip,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}

// deviceStatus is one row of the fleet-wide liveness listing.
type deviceStatus struct {
	DeviceID  string             `json:"device_id"`
	Name      string             `json:"name,omitempty"`
	BranchID  string             `json:"branch_id,omitempty"`
	CurrentIP string             `json:"current_ip,omitempty"`
	State     models.DeviceState `json:"state"`
	LastSeen  string             `json:"last_seen"`
	LatencyMs float64            `json:"latency_ms,omitempty"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/devices/create", Handler: m.handleCreateDevice},
		{Method: "POST", Path: "/devices/heartbeat", Handler: m.handleHeartbeat},
		{Method: "PUT", Path: "/devices/update-ip", Handler: m.handleUpdateIP},
		{Method: "GET", Path: "/devices/all", Handler: m.handleListAll},
		{Method: "GET", Path: "/devices/ip/{ip}", Handler: m.handleGetByIP},
		{Method: "GET", Path: "/devices/mac/{mac}", Handler: m.handleGetByMAC},
		{Method: "GET", Path: "/devices/branch/{branchId}", Handler: m.handleListByBranch},
		{Method: "GET", Path: "/devices/{id}", Handler: m.handleGetDevice},
		{Method: "DELETE", Path: "/devices/{id}", Handler: m.handleDeleteDevice},
		{Method: "GET", Path: "/devices-status", Handler: m.handleStatus},
		{Method: "GET", Path: "/devices-status-ping", Handler: m.handleStatusPing},
	}
}

// handleCreateDevice upserts a device record.
//
//	@Summary		Register device
//	@Description	Upserts a device; idempotent on device ID.
//	@Tags			fleet
//	@Accept			json
//	@Produce		json
//	@Success		200 {object} models.Device
//	@Router			/fleet/devices/create [post]
func (m *Module) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	device := &models.Device{
		ID:         req.ID,
		Name:       req.Name,
		MACAddress: req.MACAddress,
		CurrentIP:  req.CurrentIP,
		BranchID:   req.BranchID,
		Kind:       models.DeviceKind(req.Kind),
		Vendor:     req.Vendor,
		AppVersion: req.AppVersion,
		OS:         req.OS,
	}

	out, err := m.RegisterOrUpdate(r.Context(), device)
	if err != nil {
		m.logger.Warn("device registration failed", zap.Error(err))
		fleetWriteError(w, http.StatusServiceUnavailable, "registration could not be persisted")
		return
	}
	fleetWriteJSON(w, http.StatusOK, out)
}

// handleHeartbeat records a liveness signal. The response may carry the next
// due command for the device (piggy-backing); fetching it never blocks the
// liveness update.
func (m *Module) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		fleetWriteError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	if req.CurrentIP == "" {
		req.CurrentIP = remoteIP(r)
	}

	device, err := m.RecordHeartbeat(r.Context(), req.DeviceID, HeartbeatMeta{
		AppVersion: req.AppVersion,
		MACAddress: req.MACAddress,
		CurrentIP:  req.CurrentIP,
		BranchID:   req.BranchID,
	})
	if err != nil {
		m.logger.Warn("heartbeat rejected", zap.String("device_id", req.DeviceID), zap.Error(err))
		fleetWriteError(w, http.StatusServiceUnavailable, "heartbeat could not be persisted")
		return
	}

	resp := heartbeatResponse{Device: device}
	if m.cmdSource != nil {
		cmd, err := m.cmdSource.NextDue(r.Context(), req.DeviceID)
		if err != nil {
			// Piggy-backing is best-effort; the device polls separately.
			m.logger.Debug("piggy-back fetch failed", zap.String("device_id", req.DeviceID), zap.Error(err))
		} else {
			resp.Command = cmd
		}
	}
	fleetWriteJSON(w, http.StatusOK, resp)
}

func (m *Module) handleUpdateIP(w http.ResponseWriter, r *http.Request) {
	var req updateIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		fleetWriteError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	device, err := m.UpdateNetwork(r.Context(), req.DeviceID, req.DeviceIP, req.BranchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			fleetWriteError(w, http.StatusNotFound, "device not found")
			return
		}
		fleetWriteError(w, http.StatusInternalServerError, "failed to update device")
		return
	}
	fleetWriteJSON(w, http.StatusOK, device)
}

func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := m.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			fleetWriteError(w, http.StatusNotFound, "device not found")
			return
		}
		fleetWriteError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	device.State = m.effectiveState(device)
	fleetWriteJSON(w, http.StatusOK, device)
}

func (m *Module) handleGetByIP(w http.ResponseWriter, r *http.Request) {
	device, err := m.store.GetByIP(r.Context(), r.PathValue("ip"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			fleetWriteError(w, http.StatusNotFound, "no device with that IP")
			return
		}
		fleetWriteError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	fleetWriteJSON(w, http.StatusOK, device)
}

func (m *Module) handleGetByMAC(w http.ResponseWriter, r *http.Request) {
	device, err := m.store.GetByMAC(r.Context(), normalizeMAC(r.PathValue("mac")))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			fleetWriteError(w, http.StatusNotFound, "no device with that MAC")
			return
		}
		fleetWriteError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	fleetWriteJSON(w, http.StatusOK, device)
}

func (m *Module) handleListByBranch(w http.ResponseWriter, r *http.Request) {
	devices, err := m.store.ListByBranch(r.Context(), r.PathValue("branchId"))
	if err != nil {
		fleetWriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	m.refreshStates(devices)
	fleetWriteJSON(w, http.StatusOK, devices)
}

func (m *Module) handleListAll(w http.ResponseWriter, r *http.Request) {
	devices, err := m.store.ListAll(r.Context())
	if err != nil {
		fleetWriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	m.refreshStates(devices)
	fleetWriteJSON(w, http.StatusOK, devices)
}

func (m *Module) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	err := m.Delete(r.Context(), r.PathValue("id"), force)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNotFound):
		fleetWriteError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, ErrHasPendingCommands):
		fleetWriteError(w, http.StatusConflict, "device has pending commands; retry with force=true to cancel them")
	default:
		m.logger.Warn("device delete failed", zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to delete device")
	}
}

// handleStatus returns the cached fleet-wide liveness listing. States are
// computed from last_seen at read time, so this is accurate without probing.
func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := m.store.ListAll(r.Context())
	if err != nil {
		fleetWriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	statuses := make([]deviceStatus, len(devices))
	for i := range devices {
		d := &devices[i]
		statuses[i] = deviceStatus{
			DeviceID:  d.ID,
			Name:      d.Name,
			BranchID:  d.BranchID,
			CurrentIP: d.CurrentIP,
			State:     m.effectiveState(d),
			LastSeen:  d.LastSeen.Format(timeFormat),
		}
	}
	fleetWriteJSON(w, http.StatusOK, statuses)
}

// handleStatusPing probes every device live over ICMP with bounded
// concurrency. Slower than /devices-status but not dependent on heartbeats.
func (m *Module) handleStatusPing(w http.ResponseWriter, r *http.Request) {
	devices, err := m.store.ListAll(r.Context())
	if err != nil {
		fleetWriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	statuses := make([]deviceStatus, len(devices))
	sem := make(chan struct{}, m.cfg.PingConcurrency)
	var wg sync.WaitGroup
	for i := range devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			d := &devices[i]
			st := deviceStatus{
				DeviceID:  d.ID,
				Name:      d.Name,
				BranchID:  d.BranchID,
				CurrentIP: d.CurrentIP,
				State:     models.DeviceStateOffline,
				LastSeen:  d.LastSeen.Format(timeFormat),
			}
			if d.CurrentIP != "" {
				res := m.prober.Probe(r.Context(), d.CurrentIP)
				if res.Reachable {
					st.State = models.DeviceStateOnline
					st.LatencyMs = res.LatencyMs
				}
			}
			statuses[i] = st
		}(i)
	}
	wg.Wait()

	fleetWriteJSON(w, http.StatusOK, statuses)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// refreshStates overwrites persisted states with the computed ones for
// listings, so a lagging sweep never shows a dead device as online.
func (m *Module) refreshStates(devices []models.Device) {
	for i := range devices {
		devices[i].State = m.effectiveState(&devices[i])
	}
}

// remoteIP extracts the caller's IP from the request, used as the heartbeat IP
// when the device does not report one explicitly.
func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

// --- Helpers ---

// fleetWriteJSON writes a JSON response with the given status code.
func fleetWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// fleetWriteError writes a problem+json error response.
func fleetWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   fmt.Sprintf("https://fleetd.dev/problems/%s", http.StatusText(status)),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
