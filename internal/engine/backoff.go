package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// nextBackoff grows prev by roughly half plus one, capped at ceiling.
func nextBackoff(prev, ceiling int) int {
	next := prev + prev/2 + 1
	if next > ceiling {
		return ceiling
	}
	return next
}

// latestAttempt returns the newest attempt for (slotKey, analysisType), or nil.
func (e *Engine) latestAttempt(ctx context.Context, slotKey string, t model.AnalysisType) (*model.AnalysisTask, error) {
	tasks, err := e.store.QueryTasks(ctx, store.TaskQuery{
		SlotKey:       slotKey,
		AnalysisTypes: []model.AnalysisType{t},
		Order:         store.OrderLatestAttempt,
		Limit:         1,
	})
	if err != nil {
		return nil, fmt.Errorf("latest attempt for %s/%s: %w", slotKey, t, err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// NextBackoffCount returns the backoff multiplier the next failure of the
// slot should carry.
func (e *Engine) NextBackoffCount(ctx context.Context, slotKey string, t model.AnalysisType) (int, error) {
	prior, err := e.latestAttempt(ctx, slotKey, t)
	if err != nil {
		return 0, err
	}
	prev := 0
	if prior != nil {
		prev = prior.BackoffCount
	}
	return nextBackoff(prev, e.config.MaxBackoff), nil
}

// IsEligible reports whether a new task may be created for the slot now.
// A slot with a prior attempt waits backoffCount * BackoffInterval past that
// attempt's last update.
func (e *Engine) IsEligible(ctx context.Context, slotKey, cvConfigID string, minute int, t model.AnalysisType) (bool, error) {
	prior, err := e.latestAttempt(ctx, slotKey, t)
	if err != nil {
		return false, err
	}
	if prior == nil {
		return true, nil
	}

	now := e.now()
	wait := e.config.BackoffInterval * time.Duration(prior.BackoffCount)
	eligibleAt := prior.UpdatedAt.Add(wait)
	if now.Before(eligibleAt) {
		e.logger.Info("slot in backoff",
			"slot_key", slotKey, "cv_config_id", cvConfigID, "analysis_minute", minute,
			"analysis_type", t, "backoff_count", prior.BackoffCount, "eligible_at", eligibleAt)
		return false, nil
	}
	return true, nil
}

// IsSlotActive reports whether cvConfigID has QUEUED or RUNNING work at or
// after minuteThreshold. A nil threshold matches any minute.
func (e *Engine) IsSlotActive(ctx context.Context, cvConfigID string, minuteThreshold *int) (bool, error) {
	n, err := e.store.CountTasks(ctx, store.TaskQuery{
		CVConfigID: cvConfigID,
		Statuses:   model.ActiveStatuses,
		MinMinute:  minuteThreshold,
	})
	if err != nil {
		return false, fmt.Errorf("count active tasks for %s: %w", cvConfigID, err)
	}
	return n > 0, nil
}
