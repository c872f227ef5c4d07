package server

import (
	"net/http"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

type handlers struct {
	state      Stater
	runs       RunReporter
	db         Pinger
	buffer     BufferStats
	version    string
	instanceID string
	startedAt  time.Time
}

type healthResponse struct {
	Status        string           `json:"status"`
	State         model.AgentState `json:"state"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	BufferDepth   int              `json:"buffer_depth"`
	BufferStatus  string           `json:"buffer_status"`
}

type readyResponse struct {
	Ready bool             `json:"ready"`
	State model.AgentState `json:"state"`
}

type statusResponse struct {
	State         model.AgentState          `json:"state"`
	Version       string                    `json:"version"`
	InstanceID    string                    `json:"instance_id"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Database      string                    `json:"database"`
	Buffer        bufferStatus              `json:"buffer"`
	Entries       map[string]model.RunState `json:"entries"`
}

type bufferStatus struct {
	Depth         int    `json:"depth"`
	Capacity      int    `json:"capacity"`
	Status        string `json:"status"`
	DroppedEvents int64  `json:"dropped_events"`
}

// handleHealthz is the liveness probe: 200 whenever the process can answer,
// regardless of database reachability.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "alive"
	depth, bufStatus := h.bufferHealth()
	if bufStatus == "critical" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		State:         h.state.State(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		BufferDepth:   depth,
		BufferStatus:  bufStatus,
	})
}

// handleReadyz flips to 200 when the agent reaches running and back to 503
// once draining begins, so load balancers stop probing a leaving instance.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := h.state.State()
	if state != model.StateRunning {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, State: state})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Ready: true, State: state})
}

// handleStatus reports the full picture: lifecycle state, database
// reachability, buffer occupancy, and per-entry run history.
func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if err := h.db.Healthy(r.Context()); err != nil {
		dbStatus = "disconnected"
	}

	depth, bufStatus := h.bufferHealth()

	writeJSON(w, http.StatusOK, statusResponse{
		State:         h.state.State(),
		Version:       h.version,
		InstanceID:    h.instanceID,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Database:      dbStatus,
		Buffer: bufferStatus{
			Depth:         depth,
			Capacity:      h.buffer.Capacity(),
			Status:        bufStatus,
			DroppedEvents: h.buffer.DroppedEvents(),
		},
		Entries: h.runs.Snapshot(),
	})
}

// bufferHealth grades buffer occupancy: >50% capacity = high, >75% = critical.
func (h *handlers) bufferHealth() (depth int, status string) {
	depth = h.buffer.Len()
	capacity := h.buffer.Capacity()
	switch {
	case capacity > 0 && depth > capacity*3/4:
		return depth, "critical"
	case capacity > 0 && depth > capacity/2:
		return depth, "high"
	default:
		return depth, "ok"
	}
}
