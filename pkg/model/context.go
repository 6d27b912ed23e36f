package model

import "time"

// AnalysisContext is the workflow-level scheduling unit for one execution.
type AnalysisContext struct {
	ID               string     `json:"id"`
	StateExecutionID string     `json:"state_execution_id"`
	AppID            string     `json:"app_id,omitempty"`
	Status           TaskStatus `json:"status"`
	RetryCount       int        `json:"retry_count"`
	APIVersion       string     `json:"api_version"`

	// Node maps are keyed by host label. Labels may contain any character.
	ControlNodes map[string]string `json:"control_nodes"`
	TestNodes    map[string]string `json:"test_nodes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SupervisedTrainingStatus records whether a supervised model is ready for a
// service. Maintained by the trainer.
type SupervisedTrainingStatus struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	IsReady   bool   `json:"is_ready"`
}

// StateExecution links a workflow state execution to the service it ran for.
type StateExecution struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	AppID     string `json:"app_id,omitempty"`
}
