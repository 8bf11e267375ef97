package handler

import (
	"net/http"

	"github.com/dandantas/metronome/internal/membership"
	"github.com/dandantas/metronome/internal/model"
)

// ClusterHandler answers membership and leadership queries
type ClusterHandler struct {
	tracker *membership.Tracker
}

// NewClusterHandler creates a new cluster handler
func NewClusterHandler(tracker *membership.Tracker) *ClusterHandler {
	return &ClusterHandler{tracker: tracker}
}

// IsLeaderResponse represents the is-leader response
type IsLeaderResponse struct {
	Role     string `json:"role"`
	Address  string `json:"address"`
	IsLeader bool   `json:"is_leader"`
}

// MembersResponse represents the members response
type MembersResponse struct {
	Role    string         `json:"role"`
	Total   int            `json:"total"`
	Members []model.Member `json:"members"`
}

func roleParam(r *http.Request) string {
	if role := r.URL.Query().Get("role"); role != "" {
		return role
	}
	return model.RoleAll
}

// Leader handles GET /api/v1/cluster/leader?role=R
func (h *ClusterHandler) Leader(w http.ResponseWriter, r *http.Request) {
	role := roleParam(r)
	leader, ok := h.tracker.LeaderOf(role)
	if !ok {
		writeError(w, http.StatusNotFound, "No member with role "+role)
		return
	}
	writeJSON(w, http.StatusOK, leader)
}

// IsLeader handles GET /api/v1/cluster/is-leader?role=R&address=A
func (h *ClusterHandler) IsLeader(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	role := roleParam(r)
	writeJSON(w, http.StatusOK, IsLeaderResponse{
		Role:     role,
		Address:  address,
		IsLeader: h.tracker.IsLeader(role, address),
	})
}

// Members handles GET /api/v1/cluster/members?role=R, oldest first
func (h *ClusterHandler) Members(w http.ResponseWriter, r *http.Request) {
	role := roleParam(r)
	members := h.tracker.MembersOf(role)
	writeJSON(w, http.StatusOK, MembersResponse{
		Role:    role,
		Total:   len(members),
		Members: members,
	})
}
