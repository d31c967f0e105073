package types

import (
	"encoding/json"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
)

// ExecutionStatus is the lifecycle state of one execution attempt.
// Transitions: CREATED -> RUNNING -> {COMPLETED | FAILED | STOPPED};
// the latter three are terminal.
type ExecutionStatus string

const (
	ExecutionStatusCreated   ExecutionStatus = "CREATED"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusStopped   ExecutionStatus = "STOPPED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusStopped
}

// Execution is one attempt at running a task. Number orders attempts for
// the same task; the lifecycle guard uses it to decide whether this attempt
// is the latest one and may update the task's externally visible status.
type Execution struct {
	ID           string                    `json:"id"`
	TaskType     string                    `json:"task_type"`
	TaskID       string                    `json:"task_id"`
	RunKey       string                    `json:"run_key"`
	Number       int64                     `json:"number"`
	StrategyType string                    `json:"strategy_type"`
	Status       ExecutionStatus           `json:"status"`
	StartedAt    time.Time                 `json:"started_at"`
	CompletedAt  optional.Option[time.Time] `json:"completed_at,omitempty"`
	ErrorMessage optional.Option[string]    `json:"error_message,omitempty"`
	Traceback    optional.Option[string]    `json:"traceback,omitempty"`
}

// RunningMetrics are the per-tick running aggregates carried in the
// execution state and sampled into the metrics stream.
type RunningMetrics struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalTrades   int64           `json:"total_trades"`
}

// ExecutionState is the resumable state of an execution. The strategy
// mutates it once per tick; the executor persists it. StrategyState is
// opaque to the executor and owned entirely by the strategy.
type ExecutionState struct {
	ExecutionID       string                    `json:"execution_id"`
	StrategyState     json.RawMessage            `json:"strategy_state,omitempty"`
	Balance           decimal.Decimal            `json:"balance"`
	OpenPositions     []OpenEntry                `json:"open_positions"`
	TicksProcessed    int64                      `json:"ticks_processed"`
	LastTickTimestamp optional.Option[time.Time] `json:"last_tick_timestamp,omitempty"`
	Metrics           RunningMetrics             `json:"metrics"`
	EquityCurve       []EquityPoint              `json:"equity_curve"`
	Trades            []Trade                    `json:"trades"`
}

// NewExecutionState seeds a fresh state with the given starting balance.
func NewExecutionState(executionID string, initialBalance decimal.Decimal) *ExecutionState {
	return &ExecutionState{
		ExecutionID:       executionID,
		StrategyState:     nil,
		Balance:           initialBalance,
		OpenPositions:     nil,
		TicksProcessed:    0,
		LastTickTimestamp: optional.None[time.Time](),
		Metrics: RunningMetrics{
			RealizedPnL:   decimal.Zero,
			UnrealizedPnL: decimal.Zero,
			TotalTrades:   0,
		},
		EquityCurve: nil,
		Trades:      nil,
	}
}

// NAV is the net asset value: balance plus unrealized pnl across all open
// positions at the given price.
func (s *ExecutionState) NAV(price decimal.Decimal) decimal.Decimal {
	nav := s.Balance
	for _, entry := range s.OpenPositions {
		nav = nav.Add(entry.UnrealizedPnL(price))
	}

	return nav
}

// StateSnapshot is a persisted, immutable copy of an ExecutionState.
// (ExecutionID, Sequence) is unique; Sequence is 0-indexed and strictly
// increasing per execution. load_latest picks the highest sequence.
type StateSnapshot struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	CreatedAt   time.Time       `json:"created_at"`
	State       json.RawMessage `json:"state"`
}
