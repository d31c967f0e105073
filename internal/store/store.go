// Package store persists resumable execution state, the append-only event
// log, execution records, and the per-tick metrics stream.
package store

import (
	"time"

	"github.com/moznion/go-optional"

	"github.com/gridflow-lab/gridflow/internal/types"
)

// StateStore persists and restores resumable execution state snapshots.
type StateStore interface {
	// Load fetches the most recent state for (taskType, taskID, runKey),
	// or reports not-found.
	Load(taskType, taskID, runKey string) (*types.ExecutionState, bool, error)
	// SaveSnapshot writes an immutable snapshot of the state and returns
	// the assigned per-execution sequence number (0-indexed, strictly
	// increasing).
	SaveSnapshot(executionID string, state *types.ExecutionState) (int64, error)
	// LoadLatest returns the highest-sequence snapshot for an execution.
	LoadLatest(executionID string) (optional.Option[types.StateSnapshot], error)
}

// EventStore is the append-only strategy event log.
type EventStore interface {
	// Append stores an event and returns its per-execution sequence.
	Append(executionID string, event types.Event) (int64, error)
	// ListEvents returns all events for an execution in sequence order.
	ListEvents(executionID string) ([]types.StoredEvent, error)
}

// ExecutionRepo tracks execution attempt records for tasks.
type ExecutionRepo interface {
	// CreateExecution persists a new execution record, assigning Number
	// as one past the highest existing number for the task.
	CreateExecution(execution *types.Execution) error
	// GetExecution fetches an execution by id.
	GetExecution(executionID string) (optional.Option[types.Execution], error)
	// LatestExecutionNumber returns the highest execution number recorded
	// for the task, or 0 when none exist.
	LatestExecutionNumber(taskType, taskID string) (int64, error)
	// MarkExecutionCompleted finalizes a successful execution.
	MarkExecutionCompleted(executionID string, status types.ExecutionStatus, completedAt time.Time) error
	// MarkExecutionFailed finalizes a failed execution with its error
	// message and traceback.
	MarkExecutionFailed(executionID, errorMessage, traceback string, completedAt time.Time) error
}

// TaskStatusRepo holds the externally visible status of a task.
type TaskStatusRepo interface {
	SetTaskStatus(taskType, taskID string, status types.ExecutionStatus) error
	GetTaskStatus(taskType, taskID string) (optional.Option[types.ExecutionStatus], error)
}

// MetricsStore persists the per-tick metrics stream for later aggregation.
type MetricsStore interface {
	// AppendMetrics writes a batch of metric records.
	AppendMetrics(records []types.MetricRecord) error
	// LoadMetrics returns all records for an execution in time order.
	LoadMetrics(executionID string) ([]types.MetricRecord, error)
}
