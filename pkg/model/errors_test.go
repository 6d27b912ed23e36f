package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "task 'let_123' not found"}
	want := "NOT_FOUND: task 'let_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("context", "ctx_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "context 'ctx_abc' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "context 'ctx_abc' not found")
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "slot_key", Message: "required"},
		FieldError{Field: "analysis_type", Message: "unknown type"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "context",
		ID:     "ctx_123",
		From:   TaskStatusSuccess,
		To:     TaskStatusQueued,
	}
	want := "invalid context status transition: SUCCESS → QUEUED (entity ctx_123)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
