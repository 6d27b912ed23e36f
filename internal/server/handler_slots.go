package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/ledispatch/pkg/model"
)

// slotType reads the required analysis_type query parameter.
func slotType(w http.ResponseWriter, r *http.Request) (model.AnalysisType, bool) {
	t := model.AnalysisType(r.URL.Query().Get("analysis_type"))
	if !t.Valid() {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("invalid analysis type",
				model.FieldError{Field: "analysis_type", Message: "unknown analysis type " + string(t)}))
		return "", false
	}
	return t, true
}

// handleSlotActive reports whether a configuration has non-terminal tasks.
// GET /api/v1/slots/active?cv_config_id=&min_minute=
func (s *Server) handleSlotActive(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	cvConfigID := r.URL.Query().Get("cv_config_id")
	if cvConfigID == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required parameter",
			model.FieldError{Field: "cv_config_id", Message: "cv_config_id is required"}))
		return
	}
	var threshold *int
	if v := r.URL.Query().Get("min_minute"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid integer",
				model.FieldError{Field: "min_minute", Message: err.Error()}))
			return
		}
		threshold = &n
	}

	active, err := s.engine.IsSlotActive(r.Context(), cvConfigID, threshold)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"cv_config_id": cvConfigID, "active": active})
}

// handleSlotEligible reports whether a new attempt may be queued now.
// GET /api/v1/slots/{slot}/eligible?analysis_type=&cv_config_id=&minute=
func (s *Server) handleSlotEligible(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	slot := chi.URLParam(r, "slot")

	t, ok := slotType(w, r)
	if !ok {
		return
	}
	minute, _ := strconv.Atoi(r.URL.Query().Get("minute"))

	eligible, err := s.engine.IsEligible(r.Context(), slot, r.URL.Query().Get("cv_config_id"), minute, t)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"slot_key": slot, "analysis_type": t, "eligible": eligible})
}

// handleSlotBackoff returns the backoff count the next attempt should carry.
// GET /api/v1/slots/{slot}/backoff?analysis_type=
func (s *Server) handleSlotBackoff(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	slot := chi.URLParam(r, "slot")

	t, ok := slotType(w, r)
	if !ok {
		return
	}

	count, err := s.engine.NextBackoffCount(r.Context(), slot, t)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"slot_key": slot, "analysis_type": t, "backoff_count": count})
}

// handleSlotTimedOut reports whether the slot's latest task ran out of time.
// GET /api/v1/slots/{slot}/timed-out?app_id=&workflow_execution_id=
func (s *Server) handleSlotTimedOut(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	slot := chi.URLParam(r, "slot")

	timedOut, err := s.engine.HasAnalysisTimedOut(r.Context(),
		r.URL.Query().Get("app_id"), r.URL.Query().Get("workflow_execution_id"), slot)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"slot_key": slot, "timed_out": timedOut})
}

// handleSlotService resolves the service a workflow slot belongs to.
// GET /api/v1/slots/{slot}/service
func (s *Server) handleSlotService(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	slot := chi.URLParam(r, "slot")

	serviceID, ok, err := s.engine.ResolveServiceIDFromSlot(r.Context(), slot)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("state execution", slot))
		return
	}
	respondOK(w, reqID, map[string]any{"slot_key": slot, "service_id": serviceID})
}

// handleSupervised reports whether a supervised model should be used.
// GET /api/v1/supervised?key=serviceId|stateExecutionId&value=
func (s *Server) handleSupervised(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	key := r.URL.Query().Get("key")
	value := r.URL.Query().Get("value")

	use, err := s.engine.ShouldUseSupervisedModel(r.Context(), key, value)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"key": key, "value": value, "supervised": use})
}

// handleSlotRetireFailed retires a slot's RUNNING task for a minute once it
// is on its last retry, so the window can be queued again.
// POST /api/v1/slots/{slot}/retire-failed?minute=
func (s *Server) handleSlotRetireFailed(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	slot := chi.URLParam(r, "slot")

	minute, err := strconv.Atoi(r.URL.Query().Get("minute"))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid minute",
			model.FieldError{Field: "minute", Message: "must be an integer"}))
		return
	}
	retired, err := s.engine.CheckAndUpdateFailedTask(r.Context(), slot, minute)
	if err != nil {
		s.respondEngineError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"slot_key": slot, "analysis_minute": minute, "retired": retired})
}
