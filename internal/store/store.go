package store

import (
	"context"
	"time"

	"github.com/me/ledispatch/pkg/model"
)

// Store defines the persistence layer for dispatch records.
//
// Every status change goes through a conditional update scoped to one record;
// the condition is the linearization point for concurrent pollers.
type Store interface {
	// Analysis tasks
	InsertTask(ctx context.Context, task *model.AnalysisTask) (bool, error)
	GetTask(ctx context.Context, id string) (*model.AnalysisTask, error)
	QueryTasks(ctx context.Context, q TaskQuery) ([]*model.AnalysisTask, error)
	CountTasks(ctx context.Context, q TaskQuery) (int, error)
	UpdateTask(ctx context.Context, id string, cond Condition, upd TaskUpdate) (bool, error)
	DeleteTasks(ctx context.Context, ids []string) (int64, error)

	// Experimental tasks
	InsertExperimentalTask(ctx context.Context, task *model.ExperimentalTask) (bool, error)
	GetExperimentalTask(ctx context.Context, id string) (*model.ExperimentalTask, error)
	QueryExperimentalTasks(ctx context.Context, q ExperimentalQuery) ([]*model.ExperimentalTask, error)
	UpdateExperimentalTask(ctx context.Context, id string, cond Condition, upd TaskUpdate) (bool, error)
	InsertExperiment(ctx context.Context, exp *model.Experiment) (bool, error)
	ListExperiments(ctx context.Context, analysisType model.AnalysisType) ([]*model.Experiment, error)

	// Analysis contexts
	InsertContext(ctx context.Context, ac *model.AnalysisContext) error
	GetContext(ctx context.Context, id string) (*model.AnalysisContext, error)
	QueryContexts(ctx context.Context, q ContextQuery) ([]*model.AnalysisContext, error)
	UpdateContext(ctx context.Context, id string, cond Condition, upd TaskUpdate) (bool, error)

	// Read-side collaborators
	SaveStateExecution(ctx context.Context, se *model.StateExecution) error
	GetStateExecution(ctx context.Context, id string) (*model.StateExecution, error)
	SaveTrainingStatus(ctx context.Context, ts *model.SupervisedTrainingStatus) error
	ListTrainingStatuses(ctx context.Context, serviceID string) ([]*model.SupervisedTrainingStatus, error)

	// Workers
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	UpdateWorker(ctx context.Context, w *model.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*model.Worker, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Order selects the sort applied by a query.
type Order int

const (
	// OrderCreated sorts oldest first.
	OrderCreated Order = iota
	// OrderDispatch sorts by priority (absent last), then oldest first.
	OrderDispatch
	// OrderLatestAttempt sorts the newest attempt of a slot first.
	OrderLatestAttempt
	// OrderNewest sorts the most recently created first.
	OrderNewest
)

// ClaimWindow restricts a query to records a poller may claim: records whose
// retries are not exhausted that are QUEUED, or RUNNING with a lapsed lease.
type ClaimWindow struct {
	MaxRetries    int
	DefaultCutoff time.Time
	Cutoffs       map[model.AnalysisType]time.Time
}

// TaskQuery filters analysis tasks. Zero-valued fields do not filter.
type TaskQuery struct {
	SlotKey             string
	WorkflowExecutionID string
	AppID               string
	CVConfigID          string
	APIVersion          string
	Tag                 *string
	Statuses            []model.TaskStatus
	AnalysisTypes       []model.AnalysisType
	Continuous          *bool
	AnalysisMinute      *int
	MinMinute           *int
	ClusterLevel        *int
	MinRetries          *int
	UpdatedBefore       time.Time
	ExcludeID           string
	Claimable           *ClaimWindow

	Order  Order
	Limit  int
	Offset int
}

// ExperimentalQuery filters experimental tasks. Zero-valued fields do not filter.
type ExperimentalQuery struct {
	SlotKey             string
	WorkflowExecutionID string
	ExperimentName      string
	APIVersion          string
	Statuses            []model.TaskStatus
	AnalysisTypes       []model.AnalysisType
	Claimable           *ClaimWindow
	Limit               int
}

// ContextQuery filters analysis contexts. Zero-valued fields do not filter.
type ContextQuery struct {
	StateExecutionID string
	AppID            string
	APIVersion       string
	Statuses         []model.TaskStatus
	Limit            int
}

// Condition is the compare half of a compare-and-set update.
type Condition struct {
	// Statuses the record must currently have. Empty matches any status.
	Statuses []model.TaskStatus
	// UpdatedAt, when non-zero, must equal the record's current updated_at.
	UpdatedAt time.Time
}

// TaskUpdate is the set half of a compare-and-set update.
type TaskUpdate struct {
	Status       model.TaskStatus // empty keeps the current status
	RetryDelta   int
	BackoffCount *int
	LastError    *string
	UpdatedAt    time.Time
}
