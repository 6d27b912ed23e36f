package model

// TaskStatus represents the lifecycle state of an analysis task, an
// experimental task or an analysis context.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "QUEUED"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailed  TaskStatus = "FAILED"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed:
		return true
	}
	return false
}

// IsActive returns true for statuses that hold a dedup slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
		return true
	}
	return false
}

// ActiveStatuses lists the statuses that count against the dedup invariant.
var ActiveStatuses = []TaskStatus{TaskStatusQueued, TaskStatusRunning}

// ValidTaskTransitions defines the allowed status transitions for tasks.
// RUNNING → RUNNING is a lease reclamation.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:  {TaskStatusRunning},
	TaskStatusRunning: {TaskStatusRunning, TaskStatusQueued, TaskStatusSuccess, TaskStatusFailed},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AnalysisType identifies the kind of machine-learning analysis a task runs.
type AnalysisType string

const (
	AnalysisLogCluster       AnalysisType = "LOG_CLUSTER"
	AnalysisLogML            AnalysisType = "LOG_ML"
	AnalysisTimeSeries       AnalysisType = "TIME_SERIES"
	AnalysisFeedbackAnalysis AnalysisType = "FEEDBACK_ANALYSIS"
)

// AnalysisTypes lists every known analysis type in declaration order.
var AnalysisTypes = []AnalysisType{
	AnalysisLogCluster,
	AnalysisLogML,
	AnalysisTimeSeries,
	AnalysisFeedbackAnalysis,
}

// Valid reports whether t is a known analysis type.
func (t AnalysisType) Valid() bool {
	for _, known := range AnalysisTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Cluster levels mark the stage of the log clustering pipeline.
const (
	ClusterLevelL0 = 0
	ClusterLevelL1 = 1
	ClusterLevelL2 = 2
	ClusterLevelHF = -1 // first pass; default when unset
)

// WorkerState represents the lifecycle state of a Worker.
type WorkerState string

const (
	WorkerStateOnline   WorkerState = "online"
	WorkerStateOffline  WorkerState = "offline"
	WorkerStateDraining WorkerState = "draining"
)

// ValidWorkerTransitions defines the allowed state transitions for Workers.
var ValidWorkerTransitions = map[WorkerState][]WorkerState{
	WorkerStateOnline:   {WorkerStateOffline, WorkerStateDraining},
	WorkerStateDraining: {WorkerStateOffline},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s WorkerState) CanTransitionTo(next WorkerState) bool {
	for _, allowed := range ValidWorkerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
