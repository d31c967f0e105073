package floor

import (
	"encoding/json"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// State is the floor strategy's resumable per-instrument state. It lives
// inside ExecutionState.StrategyState, opaque to the executor, and is
// JSON-serialized into every snapshot.
type State struct {
	// FloorIndex is the currently active floor (0 is the shallowest).
	FloorIndex int `json:"floor_index"`
	// RetracementCounts tracks scale-ins per floor index.
	RetracementCounts map[int]int `json:"retracement_counts"`
	// ReturnStack records previously visited floors. Take-profit that
	// empties the current floor pops back to the parent floor, not to 0.
	ReturnStack []int `json:"return_stack"`
	// VolatilityLocked suspends new entries while short ATR runs hot.
	VolatilityLocked bool `json:"volatility_locked"`
	// TrueRanges is the rolling window of per-tick true ranges, newest
	// last, bounded by the baseline ATR period.
	TrueRanges []decimal.Decimal `json:"true_ranges"`
	// LastMid is the previous tick's mid, for true-range computation and
	// completion-time closes.
	LastMid optional.Option[decimal.Decimal] `json:"last_mid"`
}

// NewState returns a fresh, flat state.
func NewState() *State {
	return &State{
		FloorIndex:        0,
		RetracementCounts: make(map[int]int),
		ReturnStack:       nil,
		VolatilityLocked:  false,
		TrueRanges:        nil,
		LastMid:           optional.None[decimal.Decimal](),
	}
}

// DecodeState restores a State from its snapshot form. Empty input yields a
// fresh state.
func DecodeState(raw json.RawMessage) (*State, error) {
	if len(raw) == 0 {
		return NewState(), nil
	}

	state := NewState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStrategyStateCorrupt, "failed to decode floor strategy state", err)
	}

	if state.RetracementCounts == nil {
		state.RetracementCounts = make(map[int]int)
	}

	return state, nil
}

// Encode serializes the state for snapshotting.
func (s *State) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStrategyStateCorrupt, "failed to encode floor strategy state", err)
	}

	return raw, nil
}

// pushFloor moves to the next deeper floor, remembering the current one.
func (s *State) pushFloor() {
	s.ReturnStack = append(s.ReturnStack, s.FloorIndex)
	s.FloorIndex++
	s.RetracementCounts[s.FloorIndex] = 0
}

// popFloor returns to the previously visited floor. Caller must check the
// stack is non-empty.
func (s *State) popFloor() int {
	from := s.FloorIndex
	s.FloorIndex = s.ReturnStack[len(s.ReturnStack)-1]
	s.ReturnStack = s.ReturnStack[:len(s.ReturnStack)-1]

	return from
}

// observeMid records the tick's true range, |mid - prevMid|, keeping at
// most windowSize entries. A constant mid stream therefore yields an ATR of
// exactly zero.
func (s *State) observeMid(mid decimal.Decimal, windowSize int) {
	if s.LastMid.IsSome() {
		trueRange := mid.Sub(s.LastMid.Unwrap()).Abs()

		s.TrueRanges = append(s.TrueRanges, trueRange)
		if len(s.TrueRanges) > windowSize {
			s.TrueRanges = s.TrueRanges[len(s.TrueRanges)-windowSize:]
		}
	}

	s.LastMid = optional.Some(mid)
}

// ATR returns the simple average of the most recent period true ranges and
// whether enough data was available.
func (s *State) ATR(period int) (decimal.Decimal, bool) {
	if period < 1 || len(s.TrueRanges) < period {
		return decimal.Zero, false
	}

	window := s.TrueRanges[len(s.TrueRanges)-period:]

	sum := decimal.Zero
	for _, trueRange := range window {
		sum = sum.Add(trueRange)
	}

	return sum.Div(decimal.NewFromInt(int64(period))), true
}
