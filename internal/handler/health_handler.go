package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/dandantas/metronome/internal/membership"
	"github.com/dandantas/metronome/internal/model"
)

// Pinger checks a backing store's connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles service health and readiness checks
type HealthHandler struct {
	db        Pinger // Optional
	tracker   *membership.Tracker
	address   string
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db Pinger, tracker *membership.Tracker, address, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		tracker:   tracker,
		address:   address,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Node          string `json:"node"`
	Timestamp     string `json:"timestamp"`
	MongoDB       string `json:"mongodb"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	MongoDB string `json:"mongodb"`
	Member  bool   `json:"member"` // This node is in the tracked membership
	Leader  string `json:"leader,omitempty"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Node:          h.address,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		MongoDB:       h.mongoStatus(r.Context()),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready handles GET /ready. A node is ready once its store answers and it
// sees itself in the cluster membership.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	response := ReadyResponse{MongoDB: h.mongoStatus(r.Context())}
	_, response.Member = h.tracker.Member(h.address)
	if leader, ok := h.tracker.LeaderOf(model.RoleAll); ok {
		response.Leader = leader.Address
	}
	response.Ready = response.MongoDB != "disconnected" && response.Member

	statusCode := http.StatusOK
	if !response.Ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (h *HealthHandler) mongoStatus(ctx context.Context) string {
	if h.db == nil {
		return "disabled"
	}
	if err := h.db.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}
