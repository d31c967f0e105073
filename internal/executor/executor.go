// Package executor drives one task execution: it acquires the distributed
// lock, restores or seeds the resumable state, feeds tick batches through
// the strategy, persists snapshots and metrics, renews the heartbeat, and
// finalizes the execution through the lifecycle guard.
package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/lock"
	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/orders"
	"github.com/gridflow-lab/gridflow/internal/store"
	"github.com/gridflow-lab/gridflow/internal/strategy"
	"github.com/gridflow-lab/gridflow/internal/ticks"
	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// DefaultHeartbeatEveryBatches renews the heartbeat once per this many
// tick batches.
const DefaultHeartbeatEveryBatches = 10

// Config identifies the task being executed and tunes the run.
type Config struct {
	TaskType       string          `validate:"required"`
	TaskID         string          `validate:"required"`
	RunKey         string          `validate:"required"`
	WorkerID       string          `validate:"required"`
	StrategyType   string          `validate:"required"`
	StrategyConfig string
	InitialBalance decimal.Decimal
	// HeartbeatEveryBatches defaults to DefaultHeartbeatEveryBatches.
	HeartbeatEveryBatches int
}

// Stores groups the persistence collaborators of the executor.
type Stores struct {
	States     store.StateStore
	Events     store.EventStore
	Executions store.ExecutionRepo
	Statuses   store.TaskStatusRepo
	Metrics    store.MetricsStore
}

// TaskExecutor runs one task execution end to end.
type TaskExecutor struct {
	config     Config
	locks      *lock.Manager
	stores     Stores
	registry   *strategy.Registry
	dispatcher orders.Dispatcher
	lifecycle  *Lifecycle
	log        *logger.Logger
}

// NewTaskExecutor wires a task executor. dispatcher may be nil, in which
// case events are recorded but never dispatched.
func NewTaskExecutor(config Config, locks *lock.Manager, stores Stores,
	registry *strategy.Registry, dispatcher orders.Dispatcher,
	lifecycle *Lifecycle, log *logger.Logger,
) *TaskExecutor {
	if config.HeartbeatEveryBatches <= 0 {
		config.HeartbeatEveryBatches = DefaultHeartbeatEveryBatches
	}

	return &TaskExecutor{
		config:     config,
		locks:      locks,
		stores:     stores,
		registry:   registry,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		log:        log,
	}
}

// Run executes the task against the tick source until it is exhausted,
// cancelled, or fails. The source is always closed; the lock is always
// released.
func (e *TaskExecutor) Run(ctx context.Context, source ticks.Source) error {
	defer func() {
		if err := source.Close(); err != nil {
			e.log.Warn("tick source close failed", zap.Error(err))
		}
	}()

	executionID := uuid.New().String()

	acquired, err := e.locks.AcquireLock(ctx, e.config.TaskType, e.config.TaskID, executionID, e.config.WorkerID)
	if err != nil {
		return err
	}

	if !acquired {
		return errors.Newf(errors.ErrCodeLockHeld,
			"task %s:%s is locked by another worker", e.config.TaskType, e.config.TaskID)
	}

	defer func() {
		if err := e.locks.ReleaseLock(context.WithoutCancel(ctx), e.config.TaskType, e.config.TaskID); err != nil {
			e.log.Warn("lock release failed",
				zap.String("task_type", e.config.TaskType),
				zap.String("task_id", e.config.TaskID),
				zap.Error(err))
		}
	}()

	execution := &types.Execution{
		ID:           executionID,
		TaskType:     e.config.TaskType,
		TaskID:       e.config.TaskID,
		RunKey:       e.config.RunKey,
		StrategyType: e.config.StrategyType,
		Status:       types.ExecutionStatusCreated,
		StartedAt:    time.Now().UTC(),
	}

	if err := e.stores.Executions.CreateExecution(execution); err != nil {
		return err
	}

	// A strategy that cannot even be constructed is handled entirely by
	// the lifecycle guard; the caller sees a clean stop.
	strat, err := e.registry.Create(e.config.StrategyType, e.config.StrategyConfig)
	if err != nil {
		e.lifecycle.GuardStrategyInit(ctx, execution, err)

		return nil
	}

	state, err := e.restoreState(executionID)
	if err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	if err := e.lifecycle.Begin(ctx, execution); err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	result, err := strat.OnStart(state)
	if err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	if err := e.handleEvents(ctx, executionID, result.Events); err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	// Persist the post-start state before any ticks flow, so a crash during
	// the first batch resumes from the initialized state rather than redoing
	// start-up.
	if _, err := e.stores.States.SaveSnapshot(executionID, state); err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	cancelled, err := e.runBatches(ctx, source, strat, execution, state)
	if err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	result, err = strat.OnStop(state)
	if err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	if err := e.handleEvents(ctx, executionID, result.Events); err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	if _, err := e.stores.States.SaveSnapshot(executionID, state); err != nil {
		return e.lifecycle.Fail(ctx, execution, err)
	}

	finalStatus := types.ExecutionStatusCompleted
	if cancelled {
		finalStatus = types.ExecutionStatusStopped
	}

	return e.lifecycle.Commit(ctx, execution, finalStatus)
}

// runBatches consumes the source batch by batch. It reports whether the
// run ended because the cancellation flag was set.
func (e *TaskExecutor) runBatches(ctx context.Context, source ticks.Source,
	strat strategy.Strategy, execution *types.Execution, state *types.ExecutionState,
) (bool, error) {
	batchCount := 0

	for {
		cancelled, err := e.locks.CheckCancellationFlag(ctx, e.config.TaskType, e.config.TaskID)
		if err != nil {
			return false, err
		}

		if cancelled {
			e.log.Info("cancellation flag set, stopping",
				zap.String("execution_id", execution.ID),
				zap.Int64("ticks_processed", state.TicksProcessed))

			return true, nil
		}

		batch, err := source.Next(ctx)
		if err == io.EOF {
			return false, nil
		}

		if err != nil {
			return false, err
		}

		if err := e.processBatch(ctx, strat, execution.ID, state, batch); err != nil {
			return false, err
		}

		if _, err := e.stores.States.SaveSnapshot(execution.ID, state); err != nil {
			return false, err
		}

		batchCount++
		if batchCount%e.config.HeartbeatEveryBatches == 0 {
			message := fmt.Sprintf("processed %d ticks", state.TicksProcessed)
			if err := e.locks.UpdateHeartbeat(ctx, e.config.TaskType, e.config.TaskID, message); err != nil {
				e.log.Warn("heartbeat update failed",
					zap.String("execution_id", execution.ID), zap.Error(err))
			}
		}
	}
}

func (e *TaskExecutor) processBatch(ctx context.Context, strat strategy.Strategy,
	executionID string, state *types.ExecutionState, batch []types.Tick,
) error {
	records := make([]types.MetricRecord, 0, len(batch))

	for _, tick := range batch {
		result, err := strat.OnTick(tick, state)
		if err != nil {
			return err
		}

		state.TicksProcessed++
		state.LastTickTimestamp = optional.Some(tick.Timestamp)

		if err := e.handleEvents(ctx, executionID, result.Events); err != nil {
			return err
		}

		records = append(records, types.MetricRecord{
			ExecutionID:   executionID,
			Timestamp:     tick.Timestamp,
			RealizedPnL:   state.Metrics.RealizedPnL,
			UnrealizedPnL: state.Metrics.UnrealizedPnL,
			Bid:           tick.Bid,
			Ask:           tick.Ask,
			Mid:           tick.Mid,
			TotalTrades:   state.Metrics.TotalTrades,
		})
	}

	if len(records) == 0 {
		return nil
	}

	return e.stores.Metrics.AppendMetrics(records)
}

// handleEvents appends every event to the audit log and forwards it to the
// dispatcher. Order-service failures are logged and skipped so a flaky
// broker cannot fail the execution; everything else propagates.
func (e *TaskExecutor) handleEvents(ctx context.Context, executionID string, events []types.Event) error {
	for _, event := range events {
		if _, err := e.stores.Events.Append(executionID, event); err != nil {
			return err
		}

		if e.dispatcher == nil {
			continue
		}

		if err := e.dispatcher.HandleEvent(ctx, executionID, event); err != nil {
			if errors.IsOrderServiceError(err) {
				e.log.Warn("order dispatch failed, continuing",
					zap.String("execution_id", executionID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))

				continue
			}

			return err
		}
	}

	return nil
}

// restoreState resumes from the latest snapshot for (taskType, taskID,
// runKey), rebinding it to the new execution, or seeds a fresh state.
func (e *TaskExecutor) restoreState(executionID string) (*types.ExecutionState, error) {
	state, found, err := e.stores.States.Load(e.config.TaskType, e.config.TaskID, e.config.RunKey)
	if err != nil {
		return nil, err
	}

	if !found {
		return types.NewExecutionState(executionID, e.config.InitialBalance), nil
	}

	e.log.Info("resuming from snapshot",
		zap.String("execution_id", executionID),
		zap.String("previous_execution_id", state.ExecutionID),
		zap.Int64("ticks_processed", state.TicksProcessed))

	state.ExecutionID = executionID

	return state, nil
}
