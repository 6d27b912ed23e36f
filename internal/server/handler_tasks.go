package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON for bodies that may be empty; an empty
// body leaves v at its zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest, &model.APIError{
		Code:    model.ErrValidation,
		Message: "invalid JSON body: " + err.Error(),
	})
	return false
}

// parseTypes splits a comma-separated analysis type list. Unknown types are
// rejected so a typo does not silently widen or empty the filter.
func parseTypes(raw string) ([]model.AnalysisType, *model.APIError) {
	if raw == "" {
		return nil, nil
	}
	var types []model.AnalysisType
	for _, part := range strings.Split(raw, ",") {
		t := model.AnalysisType(strings.TrimSpace(part))
		if !t.Valid() {
			return nil, model.NewValidationError("invalid analysis type",
				model.FieldError{Field: "types", Message: "unknown analysis type " + string(t)})
		}
		types = append(types, t)
	}
	return types, nil
}

// parseOptionalBool reads a tri-state boolean query parameter.
func parseOptionalBool(raw, field string) (*bool, *model.APIError) {
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, model.NewValidationError("invalid boolean",
			model.FieldError{Field: field, Message: err.Error()})
	}
	return &b, nil
}

// handleListTasks returns analysis tasks in creation order.
// GET /api/v1/tasks?status=&slot_key=&analysis_type=&limit=&offset=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts.Status = r.URL.Query().Get("status")
	opts.SlotKey = r.URL.Query().Get("slot_key")
	opts.AnalysisType = r.URL.Query().Get("analysis_type")
	opts.Clamp()

	q := store.TaskQuery{SlotKey: opts.SlotKey, Order: store.OrderCreated}
	if opts.Status != "" {
		status := model.TaskStatus(opts.Status)
		if !status.Valid() {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid status",
				model.FieldError{Field: "status", Message: "unknown status " + opts.Status}))
			return
		}
		q.Statuses = []model.TaskStatus{status}
	}
	if opts.AnalysisType != "" {
		types, apiErr := parseTypes(opts.AnalysisType)
		if apiErr != nil {
			respondError(w, reqID, http.StatusBadRequest, apiErr)
			return
		}
		q.AnalysisTypes = types
	}

	total, err := s.store.CountTasks(r.Context(), q)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	q.Limit = opts.Limit
	q.Offset = opts.Offset
	tasks, err := s.store.QueryTasks(r.Context(), q)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if tasks == nil {
		tasks = []*model.AnalysisTask{}
	}

	respondList(w, reqID, tasks, opts.Page(total, len(tasks)))
}

// handleAddTask queues a new analysis task.
// POST /api/v1/tasks
// Returns 201 with the task, or 409 when an active task already covers it.
func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var task model.AnalysisTask
	if !decodeJSON(w, r, &task) {
		return
	}

	added, err := s.engine.AddTask(r.Context(), &task)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !added {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "an active task already covers slot " + task.SlotKey,
		})
		return
	}

	s.logger.Info("task added", "id", task.ID, "slot_key", task.SlotKey, "analysis_type", task.AnalysisType)
	respondCreated(w, reqID, task)
}

// handleClaimTask hands the next claimable task to a polling worker.
// GET /api/v1/tasks/next?api_version=&continuous=&types=
// Returns 200 with the task or 204 No Content if nothing is claimable.
func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
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
	continuous, apiErr := parseOptionalBool(r.URL.Query().Get("continuous"), "continuous")
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	types, apiErr := parseTypes(r.URL.Query().Get("types"))
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	task, err := s.engine.ClaimNext(r.Context(), apiVersion, continuous, types)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Debug("task claimed", "id", task.ID, "retry_count", task.RetryCount)
	respondOK(w, reqID, task)
}

// handleCompleteTask marks active tasks matching an identity as SUCCESS.
// PUT /api/v1/tasks/complete
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var id model.TaskIdentity
	if !decodeJSON(w, r, &id) {
		return
	}
	if id.SlotKey == "" || id.WorkflowExecutionID == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required field",
			model.FieldError{Field: "slot_key", Message: "slot_key and workflow_execution_id are required"}))
		return
	}

	n, err := s.engine.MarkCompleted(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"completed": n})
}

// handleGetTask returns a single task.
// GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	respondOK(w, reqID, task)
}

// handleCompleteTaskByID marks one task SUCCESS.
// PUT /api/v1/tasks/{id}/complete
// Returns 409 when the task exists but is no longer active.
func (s *Server) handleCompleteTaskByID(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	ok, err := s.engine.MarkCompletedByID(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !ok {
		s.respondNotApplied(w, r, id, "task is not active")
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": id, "status": model.TaskStatusSuccess})
}

// handleTaskFailure records a worker-reported failure.
// POST /api/v1/tasks/{id}/failure
func (s *Server) handleTaskFailure(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var report model.FailureReport
	if !decodeOptionalJSON(w, r, &report) {
		return
	}

	ok, err := s.engine.NotifyFailure(r.Context(), id, report)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !ok {
		s.respondNotApplied(w, r, id, "task is not running")
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	s.logger.Info("task failure recorded", "id", id, "status", task.Status, "retry_count", task.RetryCount)
	respondOK(w, reqID, task)
}

// respondNotApplied distinguishes a missing task (404) from a task whose
// status did not allow the transition (409).
func (s *Server) respondNotApplied(w http.ResponseWriter, r *http.Request, id, reason string) {
	reqID := RequestIDFromContext(r.Context())
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	respondError(w, reqID, http.StatusConflict, &model.APIError{
		Code:    model.ErrConflict,
		Message: reason + ": " + string(task.Status),
	})
}
