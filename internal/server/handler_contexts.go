package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/ledispatch/pkg/model"
)

// handleQueueContext stores a new analysis context.
// POST /api/v1/contexts
func (s *Server) handleQueueContext(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var ac model.AnalysisContext
	if !decodeJSON(w, r, &ac) {
		return
	}

	queued, err := s.engine.QueueContext(r.Context(), &ac)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}

	s.logger.Info("context queued", "id", queued.ID, "state_execution_id", queued.StateExecutionID)
	respondCreated(w, reqID, queued)
}

// handleClaimContext claims the oldest queued context for an API version.
// GET /api/v1/contexts/next?api_version=
func (s *Server) handleClaimContext(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	apiVersion := r.URL.Query().Get("api_version")
	if apiVersion == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required parameter",
			model.FieldError{Field: "api_version", Message: "api_version is required"}))
		return
	}
	if !requireVersion(w, r, apiVersion) {
		return
	}

	ac, err := s.engine.ClaimNextContext(r.Context(), apiVersion)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if ac == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondOK(w, reqID, ac)
}

// handleContextStatus sets a context's status.
// PUT /api/v1/contexts/{id}/status
func (s *Server) handleContextStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		Status model.TaskStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	ok, err := s.engine.MarkJobStatus(r.Context(), id, req.Status)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("context", id))
		return
	}
	respondOK(w, reqID, map[string]any{"context_id": id, "status": req.Status})
}
