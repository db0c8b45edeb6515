package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Claim, RenewLease,
// PersistStep and Release form the concurrency-safety core: claim is a single
// atomic compare-and-set, and every write from a lease holder is conditioned
// on still owning the lease.
type Store interface {
	// Definitions
	PublishDefinition(ctx context.Context, def *Definition) (*Definition, error)
	GetDefinition(ctx context.Context, workflowID string, version int) (*Definition, error)
	LatestDefinition(ctx context.Context, workflowID string) (*Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)
	SetWorkflowActive(ctx context.Context, workflowID string, active bool) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	RequestCancel(ctx context.Context, id, reason string) (*Execution, error)
	RequestPause(ctx context.Context, id string) (*Execution, error)
	ResumePaused(ctx context.Context, id string) (*Execution, error)

	// Claim & lease. Claim returns (nil, nil) when no execution is eligible.
	Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Execution, error)
	RenewLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) error
	PersistStep(ctx context.Context, id, workerID string, update StepUpdate) error
	Release(ctx context.Context, id, workerID string) error

	// Signals. RouteSignal and ConsumeSignal return (nil, nil) when nothing
	// matched; both mark the signal processed in the same transaction that
	// hands its payload to the execution.
	SubmitSignal(ctx context.Context, sig *Signal) error
	RouteSignal(ctx context.Context, executionID string) (*Signal, error)
	ConsumeSignal(ctx context.Context, executionID, workerID string) (*Signal, error)
	ListSignals(ctx context.Context, executionID string) ([]*Signal, error)

	// Schedules
	SyncSchedule(ctx context.Context, sched *Schedule) (*Schedule, error)
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	FireSchedule(ctx context.Context, scheduleID string, prevNextRun, nextRun time.Time, exec *Execution) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Maintenance
	PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error)
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
