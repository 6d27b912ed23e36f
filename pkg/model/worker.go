package model

import "time"

// Worker represents a remote analysis process that polls for tasks.
type Worker struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`

	// APIVersion must match a task's version for the worker to claim it.
	APIVersion    string         `json:"api_version"`
	AnalysisTypes []AnalysisType `json:"analysis_types,omitempty"`
	Continuous    *bool          `json:"continuous,omitempty"`

	// ExperimentName switches the worker to experimental tasks.
	ExperimentName string `json:"experiment_name,omitempty"`

	State        WorkerState `json:"state"`
	CurrentTask  string      `json:"current_task,omitempty"`
	LastSeen     time.Time   `json:"last_seen"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// IsExperimental returns true if the worker claims experimental tasks.
func (w *Worker) IsExperimental() bool {
	return w.ExperimentName != ""
}

// WorkItem is what a worker receives on checkout. Exactly one field is set.
type WorkItem struct {
	Task             *AnalysisTask     `json:"task,omitempty"`
	ExperimentalTask *ExperimentalTask `json:"experimental_task,omitempty"`
}

// ID returns the ID of whichever task the item carries.
func (w *WorkItem) ID() string {
	switch {
	case w.Task != nil:
		return w.Task.ID
	case w.ExperimentalTask != nil:
		return w.ExperimentalTask.ID
	}
	return ""
}

// TaskOutcome is a worker's report on a checked-out task.
type TaskOutcome struct {
	Status         TaskStatus `json:"status"` // SUCCESS or FAILED
	AnalysisMinute int        `json:"analysis_minute"`
	Message        string     `json:"message,omitempty"`
}
