package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/ledispatch/pkg/model"
)

// WorkerIDPrefix is prepended to generated worker IDs.
const WorkerIDPrefix = "wrk_"

// handleRegisterWorker creates a new worker record.
// POST /api/v1/workers
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Name           string               `json:"name"`
		Hostname       string               `json:"hostname"`
		APIVersion     string               `json:"api_version"`
		AnalysisTypes  []model.AnalysisType `json:"analysis_types"`
		Continuous     *bool                `json:"continuous"`
		ExperimentName string               `json:"experiment_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var details []model.FieldError
	if req.Name == "" {
		details = append(details, model.FieldError{Field: "name", Message: "name is required"})
	}
	if req.APIVersion == "" {
		details = append(details, model.FieldError{Field: "api_version", Message: "api_version is required"})
	}
	for _, t := range req.AnalysisTypes {
		if !t.Valid() {
			details = append(details, model.FieldError{Field: "analysis_types", Message: "unknown analysis type " + string(t)})
		}
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid worker", details...))
		return
	}

	if !requireVersion(w, r, req.APIVersion) {
		return
	}

	now := time.Now().UTC()
	worker := &model.Worker{
		ID:             WorkerIDPrefix + uuid.New().String(),
		Name:           req.Name,
		Hostname:       req.Hostname,
		APIVersion:     req.APIVersion,
		AnalysisTypes:  req.AnalysisTypes,
		Continuous:     req.Continuous,
		ExperimentName: req.ExperimentName,
		State:          model.WorkerStateOnline,
		LastSeen:       now,
		RegisteredAt:   now,
	}

	if err := s.store.CreateWorker(r.Context(), worker); err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}

	s.logger.Info("worker registered", "id", worker.ID, "name", worker.Name,
		"api_version", worker.APIVersion, "experiment", worker.ExperimentName)
	respondCreated(w, reqID, worker)
}

// handleWorkerHeartbeat updates a worker's last_seen timestamp.
// PUT /api/v1/workers/{id}/heartbeat
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", id))
		return
	}

	worker.LastSeen = time.Now().UTC()
	if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}

	respondOK(w, reqID, map[string]any{
		"worker_id": worker.ID,
		"state":     worker.State,
	})
}

// handleWorkerCheckout claims work matching the worker's registration.
// GET /api/v1/workers/{id}/work
// Returns 200 with a WorkItem or 204 No Content if no work available.
func (s *Server) handleWorkerCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", id))
		return
	}
	if worker.State != model.WorkerStateOnline {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !requireVersion(w, r, worker.APIVersion) {
		return
	}

	var item model.WorkItem
	if worker.IsExperimental() {
		item.ExperimentalTask, err = s.engine.ClaimNextExperimental(r.Context(),
			worker.APIVersion, worker.ExperimentName, worker.AnalysisTypes)
	} else {
		item.Task, err = s.engine.ClaimNext(r.Context(),
			worker.APIVersion, worker.Continuous, worker.AnalysisTypes)
	}
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}

	worker.LastSeen = time.Now().UTC()
	worker.CurrentTask = item.ID()
	if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
		s.logger.Warn("update worker after checkout", "worker_id", id, "error", err)
	}

	if worker.CurrentTask == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Debug("task checked out", "worker_id", id, "task_id", worker.CurrentTask)
	respondOK(w, reqID, item)
}

// handleWorkerTaskComplete records the outcome of a checked-out task.
// PUT /api/v1/workers/{id}/tasks/{tid}/complete
func (s *Server) handleWorkerTaskComplete(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	workerID := chi.URLParam(r, "id")
	tid := chi.URLParam(r, "tid")

	var outcome model.TaskOutcome
	if !decodeJSON(w, r, &outcome) {
		return
	}
	if outcome.Status != model.TaskStatusSuccess && outcome.Status != model.TaskStatusFailed {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid outcome",
			model.FieldError{Field: "status", Message: "status must be SUCCESS or FAILED"}))
		return
	}

	worker, err := s.store.GetWorker(r.Context(), workerID)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", workerID))
		return
	}

	var applied bool
	switch {
	case worker.IsExperimental():
		// Experimental tasks have no failure path; a failed run stays
		// RUNNING until its lease lets another worker take it.
		if outcome.Status == model.TaskStatusSuccess {
			applied, err = s.engine.MarkExpTaskCompleted(r.Context(), tid)
		} else {
			applied = true
		}
	case outcome.Status == model.TaskStatusSuccess:
		applied, err = s.engine.MarkCompletedByID(r.Context(), tid)
	default:
		applied, err = s.engine.NotifyFailure(r.Context(), tid, model.FailureReport{
			AnalysisMinute: outcome.AnalysisMinute,
			Message:        outcome.Message,
		})
	}
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}

	if worker.CurrentTask == tid {
		worker.CurrentTask = ""
	}
	worker.LastSeen = time.Now().UTC()
	if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
		s.logger.Warn("update worker after completion", "worker_id", workerID, "error", err)
	}

	if !applied {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "task " + tid + " is no longer held by a worker",
		})
		return
	}

	s.logger.Info("task completed by worker",
		"task_id", tid,
		"worker_id", workerID,
		"status", outcome.Status,
	)
	respondOK(w, reqID, map[string]any{"task_id": tid, "status": outcome.Status})
}

// handleDeregisterWorker removes a worker record.
// DELETE /api/v1/workers/{id}
func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteWorker(r.Context(), id); err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", id))
		return
	}

	s.logger.Info("worker deregistered", "id", id)
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

// handleListWorkers returns all registered workers.
// GET /api/v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if workers == nil {
		workers = []*model.Worker{}
	}

	respondOK(w, reqID, workers)
}
