package model

import (
	"time"
)

// AnalysisTask is one attempt at analysing a data window for a slot.
//
// A slot is the stable, recurring unit of work (one workflow state execution
// or one continuous-verification configuration). Successive attempts for the
// same slot and analysis type carry increasing Attempt numbers.
type AnalysisTask struct {
	ID                  string       `json:"id"`
	SlotKey             string       `json:"slot_key"`
	Attempt             int          `json:"attempt"`
	WorkflowExecutionID string       `json:"workflow_execution_id"`
	AppID               string       `json:"app_id,omitempty"`
	AnalysisMinute      int          `json:"analysis_minute"`
	AnalysisType        AnalysisType `json:"analysis_type"`
	ClusterLevel        *int         `json:"cluster_level,omitempty"`
	IsContinuous        bool         `json:"is_continuous"`
	Tag                 string       `json:"tag,omitempty"`
	Status              TaskStatus   `json:"status"`
	RetryCount          int          `json:"retry_count"`

	// Priority orders dispatch; lower is more urgent and nil sorts after
	// every task that has one.
	Priority *int `json:"priority,omitempty"`

	BackoffCount int    `json:"backoff_count"`
	APIVersion   string `json:"api_version"`
	CVConfigID   string `json:"cv_config_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Level returns the cluster level, defaulting to the first-pass level.
func (t *AnalysisTask) Level() int {
	if t.ClusterLevel == nil {
		return ClusterLevelHF
	}
	return *t.ClusterLevel
}

// ExperimentalTask is an analysis task run against a named experiment.
// It has no priority, continuous or backoff semantics.
type ExperimentalTask struct {
	ID                  string       `json:"id"`
	SlotKey             string       `json:"slot_key"`
	WorkflowExecutionID string       `json:"workflow_execution_id"`
	AppID               string       `json:"app_id,omitempty"`
	ExperimentName      string       `json:"experiment_name"`
	AnalysisMinute      int          `json:"analysis_minute"`
	AnalysisType        AnalysisType `json:"analysis_type"`
	ClusterLevel        *int         `json:"cluster_level,omitempty"`
	Status              TaskStatus   `json:"status"`
	RetryCount          int          `json:"retry_count"`
	APIVersion          string       `json:"api_version"`
	CVConfigID          string       `json:"cv_config_id,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Level returns the cluster level, defaulting to the first-pass level.
func (t *ExperimentalTask) Level() int {
	if t.ClusterLevel == nil {
		return ClusterLevelHF
	}
	return *t.ClusterLevel
}

// Experiment is a named analysis variant that experimental tasks can be
// queued against.
type Experiment struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	AnalysisType AnalysisType `json:"analysis_type"`
	CreatedAt    time.Time    `json:"created_at"`
}

// TaskIdentity locates a task by its natural key instead of its ID.
type TaskIdentity struct {
	SlotKey             string       `json:"slot_key"`
	WorkflowExecutionID string       `json:"workflow_execution_id"`
	AnalysisMinute      int          `json:"analysis_minute"`
	AnalysisType        AnalysisType `json:"analysis_type"`
	ClusterLevel        int          `json:"cluster_level"`
}

// FailureReport is the error payload a worker sends with a failure.
type FailureReport struct {
	AnalysisMinute int    `json:"analysis_minute"`
	Message        string `json:"message,omitempty"`
}
