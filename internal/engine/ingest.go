package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// ID prefixes for records the engine creates.
const (
	TaskIDPrefix    = "let_"
	ContextIDPrefix = "ctx_"
)

func validateTask(slotKey, apiVersion string, t model.AnalysisType) error {
	var details []model.FieldError
	if slotKey == "" {
		details = append(details, model.FieldError{Field: "slot_key", Message: "required"})
	}
	if apiVersion == "" {
		details = append(details, model.FieldError{Field: "api_version", Message: "required"})
	}
	if !t.Valid() {
		details = append(details, model.FieldError{Field: "analysis_type", Message: fmt.Sprintf("unknown analysis type %q", t)})
	}
	if len(details) > 0 {
		return model.NewValidationError("invalid task", details...)
	}
	return nil
}

// AddTask queues task unless an active task already covers it. It returns
// false for a duplicate. On success the store-assigned fields are set on task.
//
// An active task with the same slot and tag covers the requested minute when
// its minute plus the lease (in minutes) reaches it. The store additionally
// rejects a second active task for (slot, workflow execution, tag).
func (e *Engine) AddTask(ctx context.Context, task *model.AnalysisTask) (bool, error) {
	if err := validateTask(task.SlotKey, task.APIVersion, task.AnalysisType); err != nil {
		return false, err
	}

	tag := task.Tag
	active, err := e.store.QueryTasks(ctx, store.TaskQuery{
		SlotKey:  task.SlotKey,
		Tag:      &tag,
		Statuses: model.ActiveStatuses,
	})
	if err != nil {
		return false, fmt.Errorf("check active tasks: %w", err)
	}
	window := e.leaseMinutes(task.AnalysisType)
	for _, existing := range active {
		if existing.AnalysisMinute+window >= task.AnalysisMinute {
			e.logger.Info("duplicate task",
				"slot_key", task.SlotKey, "analysis_minute", task.AnalysisMinute,
				"existing_id", existing.ID, "existing_minute", existing.AnalysisMinute)
			return false, nil
		}
	}

	prior, err := e.latestAttempt(ctx, task.SlotKey, task.AnalysisType)
	if err != nil {
		return false, err
	}

	now := e.now().UTC()
	task.ID = TaskIDPrefix + uuid.New().String()
	task.Status = model.TaskStatusQueued
	task.RetryCount = 0
	task.LastError = ""
	task.BackoffCount = 0
	task.Attempt = 0
	if task.ClusterLevel == nil {
		level := model.ClusterLevelHF
		task.ClusterLevel = &level
	}
	if prior != nil {
		task.Attempt = prior.Attempt + 1
		if task.IsContinuous {
			task.BackoffCount = prior.BackoffCount
		}
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	ok, err := e.store.InsertTask(ctx, task)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	if !ok {
		e.logger.Info("duplicate task rejected by store",
			"slot_key", task.SlotKey, "workflow_execution_id", task.WorkflowExecutionID, "tag", task.Tag)
		return false, nil
	}

	e.logger.Debug("task queued",
		"id", task.ID, "slot_key", task.SlotKey, "analysis_type", task.AnalysisType,
		"attempt", task.Attempt, "is_continuous", task.IsContinuous)
	return true, nil
}

// AddExperimentalTask queues an experimental task. It returns false when an
// active task for the same slot, workflow execution and experiment covers it.
func (e *Engine) AddExperimentalTask(ctx context.Context, task *model.ExperimentalTask) (bool, error) {
	if err := validateTask(task.SlotKey, task.APIVersion, task.AnalysisType); err != nil {
		return false, err
	}
	if task.ExperimentName == "" {
		return false, model.NewValidationError("invalid task",
			model.FieldError{Field: "experiment_name", Message: "required"})
	}

	active, err := e.store.QueryExperimentalTasks(ctx, store.ExperimentalQuery{
		SlotKey:             task.SlotKey,
		WorkflowExecutionID: task.WorkflowExecutionID,
		ExperimentName:      task.ExperimentName,
		Statuses:            model.ActiveStatuses,
	})
	if err != nil {
		return false, fmt.Errorf("check active experimental tasks: %w", err)
	}
	if len(active) > 0 {
		e.logger.Info("duplicate experimental task",
			"slot_key", task.SlotKey, "experiment", task.ExperimentName, "existing_id", active[0].ID)
		return false, nil
	}

	now := e.now().UTC()
	task.ID = TaskIDPrefix + uuid.New().String()
	task.Status = model.TaskStatusQueued
	task.RetryCount = 0
	if task.ClusterLevel == nil {
		level := model.ClusterLevelHF
		task.ClusterLevel = &level
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	ok, err := e.store.InsertExperimentalTask(ctx, task)
	if err != nil {
		return false, fmt.Errorf("insert experimental task: %w", err)
	}
	return ok, nil
}

// QueueContext stores a new QUEUED analysis context.
func (e *Engine) QueueContext(ctx context.Context, ac *model.AnalysisContext) (*model.AnalysisContext, error) {
	if ac.StateExecutionID == "" || ac.APIVersion == "" {
		return nil, model.NewValidationError("invalid context",
			model.FieldError{Field: "state_execution_id", Message: "state_execution_id and api_version are required"})
	}

	now := e.now().UTC()
	ac.ID = ContextIDPrefix + uuid.New().String()
	ac.Status = model.TaskStatusQueued
	ac.RetryCount = 0
	ac.CreatedAt = now
	ac.UpdatedAt = now

	if err := e.store.InsertContext(ctx, ac); err != nil {
		return nil, fmt.Errorf("insert context: %w", err)
	}
	return ac, nil
}
