package handler

import (
	"net/http"

	"github.com/dandantas/metronome/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	healthHandler        *HealthHandler
	clusterHandler       *ClusterHandler
	jobHandler           *JobHandler
	jobDefinitionHandler *JobDefinitionHandler // Nil when definitions are disabled
}

// NewRouter creates a new router
func NewRouter(
	healthHandler *HealthHandler,
	clusterHandler *ClusterHandler,
	jobHandler *JobHandler,
	jobDefinitionHandler *JobDefinitionHandler,
) *Router {
	return &Router{
		healthHandler:        healthHandler,
		clusterHandler:       clusterHandler,
		jobHandler:           jobHandler,
		jobDefinitionHandler: jobDefinitionHandler,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", get(rt.healthHandler.Health))
	mux.HandleFunc("/ready", get(rt.healthHandler.Ready))

	mux.HandleFunc("/api/v1/cluster/leader", get(rt.clusterHandler.Leader))
	mux.HandleFunc("/api/v1/cluster/is-leader", get(rt.clusterHandler.IsLeader))
	mux.HandleFunc("/api/v1/cluster/members", get(rt.clusterHandler.Members))

	mux.HandleFunc("/api/v1/jobs", get(rt.jobHandler.List))
	mux.HandleFunc("/api/v1/jobs/", rt.handleJobsWithName)

	if rt.jobDefinitionHandler != nil {
		mux.HandleFunc("/api/v1/job-definitions", rt.handleJobDefinitions)
		mux.HandleFunc("/api/v1/job-definitions/", rt.handleJobDefinitionsWithName)
	}

	handler := middleware.Recovery(mux)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}

// get restricts a handler to GET requests
func get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h(w, r)
	}
}

// handleJobsWithName routes /api/v1/jobs/{name} and /api/v1/jobs/{name}/runs
func (rt *Router) handleJobsWithName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	segments := pathSegments(r, "/api/v1/jobs/")
	switch {
	case len(segments) == 1:
		rt.jobHandler.Get(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "runs":
		rt.jobHandler.Runs(w, r, segments[0])
	default:
		writeError(w, http.StatusNotFound, "Endpoint not found")
	}
}

// handleJobDefinitions routes job definition collection endpoints
func (rt *Router) handleJobDefinitions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.jobDefinitionHandler.List(w, r)
	case http.MethodPost:
		rt.jobDefinitionHandler.Create(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobDefinitionsWithName routes job definition individual endpoints
func (rt *Router) handleJobDefinitionsWithName(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/v1/job-definitions/")
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rt.jobDefinitionHandler.Get(w, r, segments[0])
	case http.MethodDelete:
		rt.jobDefinitionHandler.Delete(w, r, segments[0])
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
