package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// ExperimentIDPrefix prefixes registered experiment IDs.
const ExperimentIDPrefix = "exp_"

// RegisterExperiment adds an experiment to the registry. It returns false
// when the name is already registered for the analysis type.
func (e *Engine) RegisterExperiment(ctx context.Context, exp *model.Experiment) (bool, error) {
	exp.Name = strings.TrimSpace(exp.Name)
	var details []model.FieldError
	if exp.Name == "" {
		details = append(details, model.FieldError{Field: "name", Message: "required"})
	}
	if !exp.AnalysisType.Valid() {
		details = append(details, model.FieldError{Field: "analysis_type", Message: fmt.Sprintf("unknown analysis type %q", exp.AnalysisType)})
	}
	if len(details) > 0 {
		return false, model.NewValidationError("invalid experiment", details...)
	}

	exp.ID = ExperimentIDPrefix + uuid.New().String()
	exp.CreatedAt = e.now().UTC()
	ok, err := e.store.InsertExperiment(ctx, exp)
	if err != nil {
		return false, fmt.Errorf("insert experiment %s: %w", exp.Name, err)
	}
	if ok {
		e.logger.Info("experiment registered", "experiment", exp.Name, "analysis_type", exp.AnalysisType)
	}
	return ok, nil
}

// GetExperiments lists the experiments registered for an analysis type,
// ordered by name.
func (e *Engine) GetExperiments(ctx context.Context, analysisType model.AnalysisType) ([]*model.Experiment, error) {
	if !analysisType.Valid() {
		return nil, model.NewValidationError("invalid analysis type",
			model.FieldError{Field: "analysis_type", Message: fmt.Sprintf("unknown analysis type %q", analysisType)})
	}
	exps, err := e.store.ListExperiments(ctx, analysisType)
	if err != nil {
		return nil, fmt.Errorf("list experiments for %s: %w", analysisType, err)
	}
	return exps, nil
}

// CheckAndUpdateFailedTask retires the RUNNING task for slotKey at minute
// when it is on its last retry, so a fresh task for the same window can be
// queued. The retired task becomes FAILED without growing the slot's
// backoff or failing its contexts. It returns how many tasks were retired.
func (e *Engine) CheckAndUpdateFailedTask(ctx context.Context, slotKey string, minute int) (int, error) {
	if slotKey == "" {
		return 0, model.NewValidationError("invalid slot",
			model.FieldError{Field: "slot_key", Message: "required"})
	}
	tasks, err := e.store.QueryTasks(ctx, store.TaskQuery{
		SlotKey:        slotKey,
		AnalysisMinute: &minute,
		Statuses:       []model.TaskStatus{model.TaskStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("find running tasks for %s: %w", slotKey, err)
	}

	reason := "retired on its last retry for re-creation"
	retired := 0
	for _, t := range tasks {
		if t.RetryCount+1 < e.config.MaxRetries {
			continue
		}
		ok, err := e.store.UpdateTask(ctx, t.ID,
			store.Condition{Statuses: []model.TaskStatus{model.TaskStatusRunning}, UpdatedAt: t.UpdatedAt},
			store.TaskUpdate{
				Status:    model.TaskStatusFailed,
				LastError: &reason,
				UpdatedAt: e.stamp(t.UpdatedAt),
			})
		if err != nil {
			return retired, fmt.Errorf("retire task %s: %w", t.ID, err)
		}
		if ok {
			e.logger.Warn("stuck task retired", "task_id", t.ID, "slot_key", slotKey,
				"analysis_minute", minute, "retry_count", t.RetryCount)
			retired++
		}
	}
	return retired, nil
}
