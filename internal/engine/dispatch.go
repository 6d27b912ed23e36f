package engine

import (
	"context"
	"fmt"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// ClaimNext hands the most urgent claimable task for apiVersion to the
// caller, or nil when there is none. It never blocks.
//
// With continuous == nil every continuous candidate is served before any
// non-continuous one, also while other pollers keep winning the continuous
// candidates. An empty types list applies no type restriction.
func (e *Engine) ClaimNext(ctx context.Context, apiVersion string, continuous *bool, types []model.AnalysisType) (*model.AnalysisTask, error) {
	q := store.TaskQuery{
		APIVersion:    apiVersion,
		AnalysisTypes: types,
		Order:         store.OrderDispatch,
		Limit:         e.config.ClaimBatch,
	}

	if continuous != nil {
		q.Continuous = continuous
		task, _, err := e.claimTask(ctx, q)
		return task, err
	}

	// Continuous partition: every lost batch means another poller claimed
	// from it, so retry until it is drained before looking further.
	cont := true
	q.Continuous = &cont
	for {
		task, contended, err := e.claimTask(ctx, q)
		if err != nil || task != nil {
			return task, err
		}
		if !contended {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	oneShot := false
	q.Continuous = &oneShot
	task, _, err := e.claimTask(ctx, q)
	return task, err
}

// claimTask tries up to ClaimRounds batches of candidates. contended reports
// that candidates existed but every claim on them was lost.
func (e *Engine) claimTask(ctx context.Context, q store.TaskQuery) (*model.AnalysisTask, bool, error) {
	for round := 0; round < e.config.ClaimRounds; round++ {
		q.Claimable = e.claimWindow(e.now())
		candidates, err := e.store.QueryTasks(ctx, q)
		if err != nil {
			return nil, false, fmt.Errorf("query candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil, false, nil
		}

		for _, c := range candidates {
			upd := store.TaskUpdate{Status: model.TaskStatusRunning, UpdatedAt: e.stamp(c.UpdatedAt)}
			if c.Status == model.TaskStatusRunning {
				upd.RetryDelta = 1
			}
			ok, err := e.store.UpdateTask(ctx, c.ID,
				store.Condition{Statuses: []model.TaskStatus{c.Status}, UpdatedAt: c.UpdatedAt}, upd)
			if err != nil {
				return nil, false, fmt.Errorf("claim task %s: %w", c.ID, err)
			}
			if !ok {
				continue
			}

			if c.Status == model.TaskStatusRunning {
				e.logger.Info("lease reclaimed", "id", c.ID, "slot_key", c.SlotKey, "retry_count", c.RetryCount+1)
			}
			c.Status = model.TaskStatusRunning
			c.RetryCount += upd.RetryDelta
			c.UpdatedAt = upd.UpdatedAt
			e.logger.Debug("task claimed", "id", c.ID, "slot_key", c.SlotKey, "analysis_type", c.AnalysisType)
			return c, false, nil
		}
		e.logger.Debug("lost every claim in batch", "round", round, "candidates", len(candidates))
	}
	return nil, true, nil
}

// ClaimNextExperimental claims the oldest claimable experimental task for the
// experiment, or returns nil.
func (e *Engine) ClaimNextExperimental(ctx context.Context, apiVersion, experimentName string, types []model.AnalysisType) (*model.ExperimentalTask, error) {
	q := store.ExperimentalQuery{
		APIVersion:     apiVersion,
		ExperimentName: experimentName,
		AnalysisTypes:  types,
		Limit:          e.config.ClaimBatch,
	}

	for round := 0; round < e.config.ClaimRounds; round++ {
		q.Claimable = e.claimWindow(e.now())
		candidates, err := e.store.QueryExperimentalTasks(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query experimental candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, c := range candidates {
			upd := store.TaskUpdate{Status: model.TaskStatusRunning, UpdatedAt: e.stamp(c.UpdatedAt)}
			if c.Status == model.TaskStatusRunning {
				upd.RetryDelta = 1
			}
			ok, err := e.store.UpdateExperimentalTask(ctx, c.ID,
				store.Condition{Statuses: []model.TaskStatus{c.Status}, UpdatedAt: c.UpdatedAt}, upd)
			if err != nil {
				return nil, fmt.Errorf("claim experimental task %s: %w", c.ID, err)
			}
			if !ok {
				continue
			}
			c.Status = model.TaskStatusRunning
			c.RetryCount += upd.RetryDelta
			c.UpdatedAt = upd.UpdatedAt
			return c, nil
		}
	}
	return nil, nil
}

// ClaimNextContext claims the oldest QUEUED analysis context for apiVersion,
// or returns nil.
func (e *Engine) ClaimNextContext(ctx context.Context, apiVersion string) (*model.AnalysisContext, error) {
	q := store.ContextQuery{
		APIVersion: apiVersion,
		Statuses:   []model.TaskStatus{model.TaskStatusQueued},
		Limit:      e.config.ClaimBatch,
	}

	for round := 0; round < e.config.ClaimRounds; round++ {
		candidates, err := e.store.QueryContexts(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query contexts: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, c := range candidates {
			updatedAt := e.stamp(c.UpdatedAt)
			ok, err := e.store.UpdateContext(ctx, c.ID,
				store.Condition{Statuses: []model.TaskStatus{model.TaskStatusQueued}, UpdatedAt: c.UpdatedAt},
				store.TaskUpdate{Status: model.TaskStatusRunning, UpdatedAt: updatedAt})
			if err != nil {
				return nil, fmt.Errorf("claim context %s: %w", c.ID, err)
			}
			if !ok {
				continue
			}
			c.Status = model.TaskStatusRunning
			c.UpdatedAt = updatedAt
			return c, nil
		}
	}
	return nil, nil
}
