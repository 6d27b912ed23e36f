package engine

import (
	"context"
	"fmt"

	"github.com/me/ledispatch/pkg/model"
)

// Keys accepted by ShouldUseSupervisedModel.
const (
	SupervisedKeyServiceID        = "serviceId"
	SupervisedKeyStateExecutionID = "stateExecutionId"
)

// ShouldUseSupervisedModel reports whether exactly one training status exists
// for the service and it is ready. key selects how value is read: as a
// service ID, or as a state execution ID resolved to its service.
func (e *Engine) ShouldUseSupervisedModel(ctx context.Context, key, value string) (bool, error) {
	serviceID := value
	switch key {
	case SupervisedKeyServiceID:
	case SupervisedKeyStateExecutionID:
		resolved, ok, err := e.ResolveServiceIDFromSlot(ctx, value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		serviceID = resolved
	default:
		return false, model.NewValidationError("invalid key",
			model.FieldError{Field: "key", Message: fmt.Sprintf("unsupported key %q", key)})
	}

	statuses, err := e.store.ListTrainingStatuses(ctx, serviceID)
	if err != nil {
		return false, fmt.Errorf("list training status for %s: %w", serviceID, err)
	}
	switch len(statuses) {
	case 0:
		return false, nil
	case 1:
		return statuses[0].IsReady, nil
	default:
		e.logger.Warn("ambiguous supervised training status", "service_id", serviceID, "count", len(statuses))
		return false, nil
	}
}

// ResolveServiceIDFromSlot looks up the service that owns a slot.
func (e *Engine) ResolveServiceIDFromSlot(ctx context.Context, slotKey string) (string, bool, error) {
	se, err := e.store.GetStateExecution(ctx, slotKey)
	if err != nil {
		return "", false, fmt.Errorf("get state execution %s: %w", slotKey, err)
	}
	if se == nil || se.ServiceID == "" {
		return "", false, nil
	}
	return se.ServiceID, true, nil
}
