package scheduler

import "context"

// Scheduler runs periodic maintenance of the task store: reaping tasks whose
// lease expired with no retries left, and archiving old terminal tasks.
type Scheduler interface {
	// Start begins the maintenance loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single maintenance iteration. Used for testing.
	Tick(ctx context.Context) error
}
