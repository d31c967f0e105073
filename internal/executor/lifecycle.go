package executor

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/store"
	"github.com/gridflow-lab/gridflow/internal/types"
)

// StatusNotifier is told about terminal execution transitions, e.g. to
// update an external job tracker. Notification failures are logged, never
// propagated.
type StatusNotifier interface {
	Notify(ctx context.Context, execution *types.Execution, status types.ExecutionStatus)
}

// Lifecycle performs the execution bookkeeping around a run: status events,
// execution record finalization, and the externally visible task status.
//
// Task status follows the latest execution only: a superseded attempt that
// finishes late silently skips the task-status update so it cannot clobber
// the status written by its successor.
type Lifecycle struct {
	executions store.ExecutionRepo
	statuses   store.TaskStatusRepo
	events     store.EventStore
	notifier   StatusNotifier
	log        *logger.Logger
	now        func() time.Time
}

// NewLifecycle wires a lifecycle guard. notifier may be nil.
func NewLifecycle(executions store.ExecutionRepo, statuses store.TaskStatusRepo,
	events store.EventStore, notifier StatusNotifier, log *logger.Logger,
) *Lifecycle {
	return &Lifecycle{
		executions: executions,
		statuses:   statuses,
		events:     events,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *Lifecycle) SetClock(now func() time.Time) {
	l.now = now
}

// Begin transitions the execution to RUNNING.
func (l *Lifecycle) Begin(ctx context.Context, execution *types.Execution) error {
	from := execution.Status
	execution.Status = types.ExecutionStatusRunning

	if err := l.appendStatusEvent(execution, from, types.ExecutionStatusRunning, "execution started"); err != nil {
		return err
	}

	return l.setTaskStatusIfLatest(ctx, execution, types.ExecutionStatusRunning)
}

// Commit finalizes a successful (or cancelled) execution with the given
// terminal status.
func (l *Lifecycle) Commit(ctx context.Context, execution *types.Execution, status types.ExecutionStatus) error {
	completedAt := l.now().UTC()

	if err := l.executions.MarkExecutionCompleted(execution.ID, status, completedAt); err != nil {
		return err
	}

	from := execution.Status
	execution.Status = status

	if err := l.appendStatusEvent(execution, from, status, "execution finished"); err != nil {
		return err
	}

	if err := l.setTaskStatusIfLatest(ctx, execution, status); err != nil {
		return err
	}

	l.notify(ctx, execution, status)

	return nil
}

// Fail finalizes a failed execution, capturing the error message and stack,
// and returns the original error so the caller propagates it.
func (l *Lifecycle) Fail(ctx context.Context, execution *types.Execution, cause error) error {
	l.fail(ctx, execution, cause)

	return cause
}

// GuardStrategyInit performs the same bookkeeping as Fail for an error that
// happened before the strategy existed, but suppresses it: the caller
// treats the failure as fully handled and stops without an error.
func (l *Lifecycle) GuardStrategyInit(ctx context.Context, execution *types.Execution, cause error) {
	l.fail(ctx, execution, cause)
}

func (l *Lifecycle) fail(ctx context.Context, execution *types.Execution, cause error) {
	completedAt := l.now().UTC()
	traceback := string(debug.Stack())

	if err := l.executions.MarkExecutionFailed(execution.ID, cause.Error(), traceback, completedAt); err != nil {
		l.log.Error("failed to mark execution failed",
			zap.String("execution_id", execution.ID), zap.Error(err))
	}

	from := execution.Status
	execution.Status = types.ExecutionStatusFailed

	if err := l.appendStatusEvent(execution, from, types.ExecutionStatusFailed, cause.Error()); err != nil {
		l.log.Error("failed to append failure status event",
			zap.String("execution_id", execution.ID), zap.Error(err))
	}

	if err := l.setTaskStatusIfLatest(ctx, execution, types.ExecutionStatusFailed); err != nil {
		l.log.Error("failed to update task status",
			zap.String("execution_id", execution.ID), zap.Error(err))
	}

	l.notify(ctx, execution, types.ExecutionStatusFailed)
}

// setTaskStatusIfLatest writes the externally visible task status, unless a
// later execution exists for the task, in which case the update is dropped
// without error.
func (l *Lifecycle) setTaskStatusIfLatest(ctx context.Context, execution *types.Execution, status types.ExecutionStatus) error {
	_ = ctx

	latest, err := l.executions.LatestExecutionNumber(execution.TaskType, execution.TaskID)
	if err != nil {
		return err
	}

	if execution.Number < latest {
		l.log.Debug("skipping task status update from superseded execution",
			zap.String("execution_id", execution.ID),
			zap.Int64("execution_number", execution.Number),
			zap.Int64("latest_number", latest),
			zap.String("status", string(status)))

		return nil
	}

	return l.statuses.SetTaskStatus(execution.TaskType, execution.TaskID, status)
}

func (l *Lifecycle) appendStatusEvent(execution *types.Execution, from, to types.ExecutionStatus, message string) error {
	event := types.NewEvent(types.EventTypeStatusChanged, execution.StrategyType, l.now().UTC(),
		types.StatusChangedPayload{From: string(from), To: string(to), Message: message})

	_, err := l.events.Append(execution.ID, event)

	return err
}

func (l *Lifecycle) notify(ctx context.Context, execution *types.Execution, status types.ExecutionStatus) {
	if l.notifier == nil {
		return
	}

	l.notifier.Notify(ctx, execution, status)
}
