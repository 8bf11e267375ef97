package handler

import (
	"context"
	"net/http"

	"github.com/dandantas/metronome/internal/model"
)

// JobLister reports the registered jobs of this node
type JobLister interface {
	Jobs() []model.JobStats
}

// RunLister queries job run history
type RunLister interface {
	ListByJob(ctx context.Context, job string, page, limit int) ([]model.JobRun, int64, error)
}

// JobHandler exposes registered jobs and their run history
type JobHandler struct {
	jobs JobLister
	runs RunLister // Optional
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobLister, runs RunLister) *JobHandler {
	return &JobHandler{jobs: jobs, runs: runs}
}

// JobListResponse represents the job list response
type JobListResponse struct {
	Total   int              `json:"total"`
	Results []model.JobStats `json:"results"`
}

// RunListResponse represents the run history response
type RunListResponse struct {
	Total   int64          `json:"total"`
	Page    int            `json:"page"`
	Limit   int            `json:"limit"`
	Results []model.JobRun `json:"results"`
}

// List handles GET /api/v1/jobs
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.Jobs()
	writeJSON(w, http.StatusOK, JobListResponse{
		Total:   len(jobs),
		Results: jobs,
	})
}

// Get handles GET /api/v1/jobs/{name}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request, name string) {
	for _, job := range h.jobs.Jobs() {
		if job.Name == name {
			writeJSON(w, http.StatusOK, job)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Job not registered on this node: "+name)
}

// Runs handles GET /api/v1/jobs/{name}/runs
func (h *JobHandler) Runs(w http.ResponseWriter, r *http.Request, name string) {
	if h.runs == nil {
		writeError(w, http.StatusNotImplemented, "Run history is not enabled")
		return
	}

	page, limit := parsePage(r)
	runs, total, err := h.runs.ListByJob(r.Context(), name, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, RunListResponse{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: runs,
	})
}
