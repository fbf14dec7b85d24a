package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/piwi3910/rdmamon/internal/hardware"
	"github.com/piwi3910/rdmamon/internal/journal"
	"github.com/piwi3910/rdmamon/internal/monitor"
)

// defaultMessageLimit caps message listings when no limit is given.
const defaultMessageLimit = 50

// Handler handles Admin API requests
type Handler struct {
	registry *monitor.Registry
	ring     *monitor.Ring
	journal  *journal.Journal
	detector *hardware.Detector
	nodeID   string
	version  string
	started  time.Time
}

// NewHandler creates a new Admin API handler. The journal may be nil when
// journalling is disabled.
func NewHandler(registry *monitor.Registry, ring *monitor.Ring, jn *journal.Journal, detector *hardware.Detector, nodeID, version string) *Handler {
	return &Handler{
		registry: registry,
		ring:     ring,
		journal:  jn,
		detector: detector,
		nodeID:   nodeID,
		version:  version,
		started:  time.Now(),
	}
}

// RegisterRoutes registers Admin API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	// Node
	r.Get("/status", h.GetStatus)

	// Connections
	r.Get("/connections", h.ListConnections)
	r.Get("/connections/{id}", h.GetConnection)
	r.Post("/connections/{id}/stop", h.StopConnection)

	// Messages
	r.Get("/messages", h.ListMessages)

	// Journal
	r.Get("/journal", h.GetJournalStats)
	r.Get("/journal/messages", h.ListJournalMessages)

	// Hardware
	r.Get("/devices", h.ListDevices)
}

// GetStatus returns a node-wide snapshot of monitors, connections, and
// message counters.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	monitors := make([]monitor.MonitorStats, 0)
	for _, ctrl := range h.registry.Controllers() {
		monitors = append(monitors, ctrl.Monitor().Stats())
	}

	status := map[string]interface{}{
		"node_id":        h.nodeID,
		"version":        h.version,
		"started_at":     h.started.UTC(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"connections":    h.registry.Len(),
		"monitors":       monitors,
		"messages": map[string]interface{}{
			"held":  h.ring.Len(),
			"total": h.ring.Total(),
		},
	}
	if h.journal != nil {
		status["journal"] = h.journal.Stats()
	}

	writeJSON(w, http.StatusOK, status)
}

// Connection handlers

// ListConnections lists every supervised connection with its monitor state.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.registry.Connections()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"count":       len(conns),
	})
}

// GetConnection returns the status of a single connection.
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Invalid connection ID", http.StatusBadRequest)
		return
	}

	status, err := h.registry.Connection(id)
	if err != nil {
		if errors.Is(err, monitor.ErrUnknownConnection) {
			writeError(w, "Connection not found", http.StatusNotFound)
			return
		}

		writeError(w, err.Error(), http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// StopConnection removes a connection from monitoring and releases its
// receive buffers. Monitors shared with other connections keep running.
func (h *Handler) StopConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Invalid connection ID", http.StatusBadRequest)
		return
	}

	if err := h.registry.Stop(r.Context(), id); err != nil {
		if errors.Is(err, monitor.ErrUnknownConnection) {
			writeError(w, "Connection not found", http.StatusNotFound)
			return
		}

		writeError(w, err.Error(), http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Connection stopped",
		"id":      id.String(),
	})
}

// Message handlers

// ListMessages returns recently surfaced messages, newest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultMessageLimit)
	msgs := h.ring.Recent(limit)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// Journal handlers

// GetJournalStats returns journal counters.
func (h *Handler) GetJournalStats(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, "Journal is disabled", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, h.journal.Stats())
}

// ListJournalMessages returns archived messages, newest first.
func (h *Handler) ListJournalMessages(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, "Journal is disabled", http.StatusNotFound)
		return
	}

	records, err := h.journal.Recent(parseLimit(r, defaultMessageLimit))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": records,
		"count":    len(records),
	})
}

// Hardware handlers

// ListDevices returns the RDMA devices detected on the host.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.detector.Capabilities())
}

// parseLimit reads the limit query parameter, falling back to def.
func parseLimit(r *http.Request, def int) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			return limit
		}
	}

	return def
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
