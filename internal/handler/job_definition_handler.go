package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dandantas/metronome/internal/database"
	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/pkg/middleware"
)

// DefinitionStore persists job definitions
type DefinitionStore interface {
	Create(ctx context.Context, def *model.JobDefinition) error
	GetByName(ctx context.Context, name string) (*model.JobDefinition, error)
	List(ctx context.Context, page, limit int) ([]model.JobDefinition, int64, error)
	Delete(ctx context.Context, name string) error
}

// DefinitionSyncer applies persisted definitions to the running engine
type DefinitionSyncer interface {
	SyncDefinitions(ctx context.Context) error
}

// JobDefinitionHandler handles job definition CRUD operations
type JobDefinitionHandler struct {
	store  DefinitionStore
	syncer DefinitionSyncer // Optional, applies changes without waiting for the next sync
}

// NewJobDefinitionHandler creates a new job definition handler
func NewJobDefinitionHandler(store DefinitionStore, syncer DefinitionSyncer) *JobDefinitionHandler {
	return &JobDefinitionHandler{store: store, syncer: syncer}
}

// CreateResponse represents the create response
type CreateResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule"`
	Policy    string `json:"policy"`
	CreatedAt string `json:"created_at"`
	Message   string `json:"message"`
}

// DefinitionListResponse represents the list response
type DefinitionListResponse struct {
	Total   int64                 `json:"total"`
	Page    int                   `json:"page"`
	Limit   int                   `json:"limit"`
	Results []model.JobDefinition `json:"results"`
}

// DeleteResponse represents the delete response
type DeleteResponse struct {
	Message string `json:"message"`
}

// Create handles POST /api/v1/job-definitions
func (h *JobDefinitionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var def model.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := def.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	def.Metadata.CreatedAt = now
	def.Metadata.UpdatedAt = now

	if err := h.store.Create(r.Context(), &def); err != nil {
		writeStoreError(w, err)
		return
	}
	h.sync(r)

	writeJSON(w, http.StatusCreated, CreateResponse{
		ID:        def.ID.Hex(),
		Name:      def.Name,
		Enabled:   def.Enabled,
		Schedule:  def.Schedule,
		Policy:    string(def.Policy),
		CreatedAt: now.Format(time.RFC3339),
		Message:   "Job definition created successfully",
	})
}

// Get handles GET /api/v1/job-definitions/{name}
func (h *JobDefinitionHandler) Get(w http.ResponseWriter, r *http.Request, name string) {
	def, err := h.store.GetByName(r.Context(), name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// List handles GET /api/v1/job-definitions
func (h *JobDefinitionHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePage(r)
	defs, total, err := h.store.List(r.Context(), page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, DefinitionListResponse{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: defs,
	})
}

// Delete handles DELETE /api/v1/job-definitions/{name}
func (h *JobDefinitionHandler) Delete(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.store.Delete(r.Context(), name); err != nil {
		writeStoreError(w, err)
		return
	}
	h.sync(r)

	writeJSON(w, http.StatusOK, DeleteResponse{
		Message: "Job definition deleted successfully",
	})
}

func (h *JobDefinitionHandler) sync(r *http.Request) {
	if h.syncer == nil {
		return
	}
	if err := h.syncer.SyncDefinitions(r.Context()); err != nil {
		slog.Warn("Failed to apply job definitions",
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
