package engine

import (
	"context"
	"fmt"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// MarkCompleted marks every active task matching id as SUCCESS and returns
// how many were completed.
func (e *Engine) MarkCompleted(ctx context.Context, id model.TaskIdentity) (int, error) {
	minute := id.AnalysisMinute
	level := id.ClusterLevel
	tasks, err := e.store.QueryTasks(ctx, store.TaskQuery{
		SlotKey:             id.SlotKey,
		WorkflowExecutionID: id.WorkflowExecutionID,
		AnalysisMinute:      &minute,
		AnalysisTypes:       []model.AnalysisType{id.AnalysisType},
		ClusterLevel:        &level,
		Statuses:            model.ActiveStatuses,
	})
	if err != nil {
		return 0, fmt.Errorf("find tasks to complete: %w", err)
	}

	n := 0
	for _, t := range tasks {
		ok, err := e.complete(ctx, t)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// MarkCompletedByID marks one active task as SUCCESS. It returns false when
// the task is missing or already terminal.
func (e *Engine) MarkCompletedByID(ctx context.Context, id string) (bool, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get task %s: %w", id, err)
	}
	if t == nil || !t.Status.IsActive() {
		return false, nil
	}
	return e.complete(ctx, t)
}

func (e *Engine) complete(ctx context.Context, t *model.AnalysisTask) (bool, error) {
	zero := 0
	ok, err := e.store.UpdateTask(ctx, t.ID,
		store.Condition{Statuses: model.ActiveStatuses},
		store.TaskUpdate{Status: model.TaskStatusSuccess, BackoffCount: &zero, UpdatedAt: e.stamp(t.UpdatedAt)})
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", t.ID, err)
	}
	if ok {
		e.logger.Info("task completed", "id", t.ID, "slot_key", t.SlotKey, "analysis_type", t.AnalysisType)
	}
	return ok, nil
}

// NotifyFailure records a failed attempt of a RUNNING task. The task is
// requeued while retries remain and marked FAILED on the last one. It returns
// false when the task is missing, not RUNNING, or a concurrent write won.
func (e *Engine) NotifyFailure(ctx context.Context, taskID string, report model.FailureReport) (bool, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if t == nil {
		e.logger.Warn("failure for unknown task", "id", taskID)
		return false, nil
	}
	if t.Status != model.TaskStatusRunning {
		e.logger.Warn("failure for task not running", "id", taskID, "status", t.Status)
		return false, nil
	}

	if t.RetryCount+1 >= e.config.MaxRetries {
		return e.fail(ctx, t, report.Message)
	}

	msg := report.Message
	ok, err := e.store.UpdateTask(ctx, t.ID,
		store.Condition{Statuses: []model.TaskStatus{model.TaskStatusRunning}, UpdatedAt: t.UpdatedAt},
		store.TaskUpdate{Status: model.TaskStatusQueued, RetryDelta: 1, LastError: &msg, UpdatedAt: e.stamp(t.UpdatedAt)})
	if err != nil {
		return false, fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	if ok {
		e.logger.Info("task requeued", "id", t.ID, "slot_key", t.SlotKey, "analysis_minute", report.AnalysisMinute, "retry_count", t.RetryCount+1, "error", msg)
	}
	return ok, nil
}

// fail moves a RUNNING task to FAILED, sets its next backoff if it is
// continuous, and fails the contexts that own the slot.
func (e *Engine) fail(ctx context.Context, t *model.AnalysisTask, msg string) (bool, error) {
	upd := store.TaskUpdate{Status: model.TaskStatusFailed, RetryDelta: 1, LastError: &msg, UpdatedAt: e.stamp(t.UpdatedAt)}
	if t.IsContinuous {
		next, err := e.NextBackoffCount(ctx, t.SlotKey, t.AnalysisType)
		if err != nil {
			return false, err
		}
		upd.BackoffCount = &next
	}

	ok, err := e.store.UpdateTask(ctx, t.ID,
		store.Condition{Statuses: []model.TaskStatus{model.TaskStatusRunning}, UpdatedAt: t.UpdatedAt}, upd)
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", t.ID, err)
	}
	if !ok {
		return false, nil
	}
	e.logger.Warn("task failed", "id", t.ID, "slot_key", t.SlotKey, "retry_count", t.RetryCount+1, "error", msg)

	if err := e.failOwningContexts(ctx, t.SlotKey); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) failOwningContexts(ctx context.Context, slotKey string) error {
	contexts, err := e.store.QueryContexts(ctx, store.ContextQuery{
		StateExecutionID: slotKey,
		Statuses:         model.ActiveStatuses,
	})
	if err != nil {
		return fmt.Errorf("find contexts for %s: %w", slotKey, err)
	}
	for _, ac := range contexts {
		ok, err := e.store.UpdateContext(ctx, ac.ID,
			store.Condition{Statuses: model.ActiveStatuses},
			store.TaskUpdate{Status: model.TaskStatusFailed, UpdatedAt: e.stamp(ac.UpdatedAt)})
		if err != nil {
			return fmt.Errorf("fail context %s: %w", ac.ID, err)
		}
		if ok {
			e.logger.Info("context failed with its slot", "context_id", ac.ID, "slot_key", slotKey)
		}
	}
	return nil
}

// MarkExpTaskCompleted marks an active experimental task as SUCCESS.
func (e *Engine) MarkExpTaskCompleted(ctx context.Context, id string) (bool, error) {
	t, err := e.store.GetExperimentalTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get experimental task %s: %w", id, err)
	}
	if t == nil || !t.Status.IsActive() {
		return false, nil
	}
	ok, err := e.store.UpdateExperimentalTask(ctx, id,
		store.Condition{Statuses: model.ActiveStatuses},
		store.TaskUpdate{Status: model.TaskStatusSuccess, UpdatedAt: e.stamp(t.UpdatedAt)})
	if err != nil {
		return false, fmt.Errorf("complete experimental task %s: %w", id, err)
	}
	return ok, nil
}

// HasAnalysisTimedOut reports whether the latest task for the slot is
// RUNNING with no retries left to absorb its expired lease.
func (e *Engine) HasAnalysisTimedOut(ctx context.Context, appID, workflowExecutionID, slotKey string) (bool, error) {
	tasks, err := e.store.QueryTasks(ctx, store.TaskQuery{
		SlotKey:             slotKey,
		WorkflowExecutionID: workflowExecutionID,
		AppID:               appID,
		Order:               store.OrderNewest,
		Limit:               1,
	})
	if err != nil {
		return false, fmt.Errorf("latest task for %s: %w", slotKey, err)
	}
	if len(tasks) == 0 {
		return false, nil
	}

	t := tasks[0]
	if t.Status != model.TaskStatusRunning {
		return false, nil
	}
	if t.RetryCount >= e.config.MaxRetries {
		return true, nil
	}
	return e.leaseExpired(t.AnalysisType, t.UpdatedAt, e.now()) && t.RetryCount+1 >= e.config.MaxRetries, nil
}

// MarkJobStatus writes status to an analysis context directly. It returns
// false when the context does not exist.
func (e *Engine) MarkJobStatus(ctx context.Context, contextID string, status model.TaskStatus) (bool, error) {
	if !status.Valid() {
		return false, model.NewValidationError("invalid status",
			model.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)})
	}
	ac, err := e.store.GetContext(ctx, contextID)
	if err != nil {
		return false, fmt.Errorf("get context %s: %w", contextID, err)
	}
	if ac == nil {
		return false, nil
	}
	ok, err := e.store.UpdateContext(ctx, contextID, store.Condition{},
		store.TaskUpdate{Status: status, UpdatedAt: e.stamp(ac.UpdatedAt)})
	if err != nil {
		return false, fmt.Errorf("set context %s status: %w", contextID, err)
	}
	return ok, nil
}

// ReapExpired fails RUNNING tasks, experimental ones included, whose lease
// expired after their last retry. Such tasks can never be reclaimed and
// would otherwise stay RUNNING forever.
func (e *Engine) ReapExpired(ctx context.Context) (int, error) {
	reaped, err := e.reapAnalysisTasks(ctx)
	if err != nil {
		return reaped, err
	}
	n, err := e.reapExperimentalTasks(ctx)
	return reaped + n, err
}

func (e *Engine) reapAnalysisTasks(ctx context.Context) (int, error) {
	maxRetries := e.config.MaxRetries
	tasks, err := e.store.QueryTasks(ctx, store.TaskQuery{
		Statuses:   []model.TaskStatus{model.TaskStatusRunning},
		MinRetries: &maxRetries,
	})
	if err != nil {
		return 0, fmt.Errorf("find exhausted tasks: %w", err)
	}

	now := e.now()
	reaped := 0
	for _, t := range tasks {
		if !e.leaseExpired(t.AnalysisType, t.UpdatedAt, now) {
			continue
		}
		ok, err := e.fail(ctx, t, "lease expired with no retries left")
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

// reapExperimentalTasks fails exhausted experimental tasks. They have no
// backoff or owning contexts, so a plain CAS to FAILED is enough.
func (e *Engine) reapExperimentalTasks(ctx context.Context) (int, error) {
	tasks, err := e.store.QueryExperimentalTasks(ctx, store.ExperimentalQuery{
		Statuses: []model.TaskStatus{model.TaskStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("find exhausted experimental tasks: %w", err)
	}

	now := e.now()
	reaped := 0
	for _, t := range tasks {
		if t.RetryCount < e.config.MaxRetries || !e.leaseExpired(t.AnalysisType, t.UpdatedAt, now) {
			continue
		}
		ok, err := e.store.UpdateExperimentalTask(ctx, t.ID,
			store.Condition{Statuses: []model.TaskStatus{model.TaskStatusRunning}, UpdatedAt: t.UpdatedAt},
			store.TaskUpdate{Status: model.TaskStatusFailed, UpdatedAt: e.stamp(t.UpdatedAt)})
		if err != nil {
			return reaped, fmt.Errorf("fail experimental task %s: %w", t.ID, err)
		}
		if ok {
			e.logger.Warn("experimental task failed", "task_id", t.ID, "slot_key", t.SlotKey,
				"experiment", t.ExperimentName, "retry_count", t.RetryCount)
			reaped++
		}
	}
	return reaped, nil
}
