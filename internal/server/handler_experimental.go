package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/ledispatch/pkg/model"
)

// handleAddExperimentalTask queues an experimental task.
// POST /api/v1/experimental-tasks
func (s *Server) handleAddExperimentalTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var task model.ExperimentalTask
	if !decodeJSON(w, r, &task) {
		return
	}

	added, err := s.engine.AddExperimentalTask(r.Context(), &task)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !added {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "an active experimental task already exists for experiment " + task.ExperimentName,
		})
		return
	}

	s.logger.Info("experimental task added", "id", task.ID, "experiment", task.ExperimentName)
	respondCreated(w, reqID, task)
}

// handleClaimExperimentalTask claims the next experimental task.
// GET /api/v1/experimental-tasks/next?api_version=&experiment=&types=
func (s *Server) handleClaimExperimentalTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	apiVersion := r.URL.Query().Get("api_version")
	experiment := r.URL.Query().Get("experiment")
	if apiVersion == "" || experiment == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required parameter",
			model.FieldError{Field: "api_version", Message: "api_version and experiment are required"}))
		return
	}
	if !requireVersion(w, r, apiVersion) {
		return
	}
	types, apiErr := parseTypes(r.URL.Query().Get("types"))
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	task, err := s.engine.ClaimNextExperimental(r.Context(), apiVersion, experiment, types)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondOK(w, reqID, task)
}

// handleCompleteExperimentalTask marks an experimental task SUCCESS.
// PUT /api/v1/experimental-tasks/{id}/complete
func (s *Server) handleCompleteExperimentalTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	ok, err := s.engine.MarkExpTaskCompleted(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("active experimental task", id))
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": id, "status": model.TaskStatusSuccess})
}

// handleListExperiments lists the experiments registered for a type.
// GET /api/v1/experiments?analysis_type=
func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	exps, err := s.engine.GetExperiments(r.Context(), model.AnalysisType(r.URL.Query().Get("analysis_type")))
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if exps == nil {
		exps = []*model.Experiment{}
	}
	respondOK(w, reqID, exps)
}

// handleRegisterExperiment adds an experiment to the registry.
// POST /api/v1/experiments
// Returns 409 when the name is already registered for the type.
func (s *Server) handleRegisterExperiment(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var exp model.Experiment
	if !decodeJSON(w, r, &exp) {
		return
	}
	added, err := s.engine.RegisterExperiment(r.Context(), &exp)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !added {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "experiment " + exp.Name + " is already registered for " + string(exp.AnalysisType),
		})
		return
	}
	respondCreated(w, reqID, exp)
}
