// Package floor implements the reference grid/martingale strategy: layered
// entries scale in on retracements, take profit most-recent-first, descend
// to deeper floors when a floor's retracement budget is exhausted, and
// return along the visited-floor stack as floors empty. Volatility and
// margin safety valves suspend or unwind the grid. All price math is exact
// decimal arithmetic.
package floor

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/strategy"
	"github.com/gridflow-lab/gridflow/internal/types"
)

// StrategyType is the registry key of the floor strategy.
const StrategyType = "floor"

// Trade close reasons.
const (
	ReasonTakeProfit       = "take_profit"
	ReasonMarginProtection = "margin_protection"
	ReasonClose            = "close"
)

// Floor is the strategy instance. One instance drives one execution; its
// resumable state lives in the ExecutionState and is re-encoded after every
// callback.
type Floor struct {
	config Config
	pip    decimal.Decimal
	state  *State
}

var _ strategy.Strategy = (*Floor)(nil)

// New builds a Floor from a YAML config string ("" for defaults).
func New(configYAML string) (*Floor, error) {
	config, err := ParseConfig(configYAML)
	if err != nil {
		return nil, err
	}

	return &Floor{
		config: config,
		pip:    config.pipSize(),
		state:  nil,
	}, nil
}

// Factory adapts New to the registry contract.
func Factory(configYAML string) (strategy.Strategy, error) {
	return New(configYAML)
}

// Type implements strategy.Strategy.
func (f *Floor) Type() string {
	return StrategyType
}

// OnStart implements strategy.Strategy. It restores the strategy state from
// a previous snapshot, or starts flat.
func (f *Floor) OnStart(execState *types.ExecutionState) (strategy.Result, error) {
	state, err := DecodeState(execState.StrategyState)
	if err != nil {
		return strategy.Result{}, err
	}

	f.state = state

	if err := f.writeBack(execState); err != nil {
		return strategy.Result{}, err
	}

	return strategy.Result{Events: nil}, nil
}

// OnTick implements strategy.Strategy.
func (f *Floor) OnTick(tick types.Tick, execState *types.ExecutionState) (strategy.Result, error) {
	if f.state == nil {
		state, err := DecodeState(execState.StrategyState)
		if err != nil {
			return strategy.Result{}, err
		}

		f.state = state
	}

	var events []types.Event

	f.state.observeMid(tick.Mid, f.atrWindow())

	events = append(events, f.checkVolatility(tick)...)
	events = append(events, f.manageTakeProfits(tick, execState)...)

	marginEvents := f.protectMargin(tick, execState)
	events = append(events, marginEvents...)

	// A margin-protection tick never opens fresh exposure.
	if skipped, event := f.spreadOverride(tick); skipped {
		events = append(events, event)
	} else if !f.state.VolatilityLocked && len(marginEvents) == 0 {
		events = append(events, f.manageEntries(tick, execState)...)
	}

	f.refreshRunningMetrics(tick, execState)

	if err := f.writeBack(execState); err != nil {
		return strategy.Result{}, err
	}

	return strategy.Result{Events: events}, nil
}

// OnStop implements strategy.Strategy. With sell_at_completion set, every
// open entry is closed at the last observed mid and logged as a trade with
// reason "close"; otherwise positions are left open untouched.
func (f *Floor) OnStop(execState *types.ExecutionState) (strategy.Result, error) {
	if f.state == nil {
		state, err := DecodeState(execState.StrategyState)
		if err != nil {
			return strategy.Result{}, err
		}

		f.state = state
	}

	var events []types.Event

	if f.config.SellAtCompletion && len(execState.OpenPositions) > 0 {
		price := f.state.LastMid.TakeOr(decimal.Zero)
		if price.IsZero() && len(execState.OpenPositions) > 0 {
			price = execState.OpenPositions[len(execState.OpenPositions)-1].EntryPrice
		}

		closedAt := time.Now().UTC()
		if ts, err := execState.LastTickTimestamp.Take(); err == nil {
			closedAt = ts
		}

		closed := 0

		for len(execState.OpenPositions) > 0 {
			lastIdx := len(execState.OpenPositions) - 1
			entry := execState.OpenPositions[lastIdx]
			f.closeUnits(execState, lastIdx, entry.Units, price, ReasonClose, closedAt)
			closed++
		}

		execState.Metrics.UnrealizedPnL = decimal.Zero

		events = append(events, types.NewEvent(types.EventTypeGeneric, StrategyType, closedAt, types.GenericPayload{
			Message: "closed all open entries at completion",
			Fields:  map[string]string{"entries_closed": decimal.NewFromInt(int64(closed)).String()},
		}))
	}

	if err := f.writeBack(execState); err != nil {
		return strategy.Result{}, err
	}

	return strategy.Result{Events: events}, nil
}

// atrWindow is the true-range history the state must retain.
func (f *Floor) atrWindow() int {
	window := f.config.Volatility.BaselinePeriod
	if f.config.Volatility.ShortPeriod > window {
		window = f.config.Volatility.ShortPeriod
	}

	if window < 1 {
		window = 14
	}

	return window
}

// checkVolatility flips the volatility lock when the short ATR runs hot
// relative to the baseline ATR, and releases it once it cools down.
func (f *Floor) checkVolatility(tick types.Tick) []types.Event {
	if !f.config.Volatility.Enabled {
		return nil
	}

	shortATR, okShort := f.state.ATR(f.config.Volatility.ShortPeriod)
	baselineATR, okBaseline := f.state.ATR(f.config.Volatility.BaselinePeriod)

	if !okShort || !okBaseline || baselineATR.IsZero() {
		return nil
	}

	if !f.state.VolatilityLocked {
		lockAt := baselineATR.Mul(decimal.NewFromFloat(f.config.Volatility.LockMultiplier))
		if shortATR.GreaterThanOrEqual(lockAt) {
			f.state.VolatilityLocked = true

			return []types.Event{types.NewEvent(types.EventTypeVolatilityLock, StrategyType, tick.Timestamp,
				types.VolatilityLockPayload{Locked: true, ShortATR: shortATR, BaselineATR: baselineATR})}
		}

		return nil
	}

	unlockAt := baselineATR.Mul(decimal.NewFromFloat(f.config.Volatility.UnlockMultiplier))
	if shortATR.LessThanOrEqual(unlockAt) {
		f.state.VolatilityLocked = false

		return []types.Event{types.NewEvent(types.EventTypeVolatilityLock, StrategyType, tick.Timestamp,
			types.VolatilityLockPayload{Locked: false, ShortATR: shortATR, BaselineATR: baselineATR})}
	}

	return nil
}

// manageTakeProfits closes entries most-recent-first while the favorable
// move from the most recently opened entry reaches its take-profit
// distance. Emptying the active floor pops the return stack back to the
// parent floor.
func (f *Floor) manageTakeProfits(tick types.Tick, execState *types.ExecutionState) []types.Event {
	var events []types.Event

	for len(execState.OpenPositions) > 0 {
		lastIdx := len(execState.OpenPositions) - 1
		entry := execState.OpenPositions[lastIdx]

		movePips := f.favorableMovePips(entry, tick.Mid)
		if movePips.LessThan(entry.TakeProfitPips) {
			break
		}

		trade := f.closeUnits(execState, lastIdx, entry.Units, tick.Mid, ReasonTakeProfit, tick.Timestamp)

		events = append(events, types.NewEvent(types.EventTypeTakeProfit, StrategyType, tick.Timestamp,
			types.TakeProfitPayload{
				EntryID:    entry.EntryID,
				Price:      tick.Mid,
				Units:      entry.Units,
				PnL:        trade.PnL,
				Pips:       movePips,
				FloorIndex: entry.FloorIndex,
			}))

		if !f.floorHasEntries(execState, f.state.FloorIndex) && len(f.state.ReturnStack) > 0 {
			from := f.state.popFloor()

			events = append(events, types.NewEvent(types.EventTypeRemoveLayer, StrategyType, tick.Timestamp,
				types.RemoveLayerPayload{FromFloor: from, ToFloor: f.state.FloorIndex}))
		}
	}

	return events
}

// spreadOverride reports whether the market-condition override suppresses
// new entries on this tick.
func (f *Floor) spreadOverride(tick types.Tick) (bool, types.Event) {
	if !f.config.MarketOverride.Enabled {
		return false, types.Event{}
	}

	spreadPips := tick.SpreadPips(f.pip)
	limit := decimal.NewFromFloat(f.config.MarketOverride.MaxSpreadPips)

	if spreadPips.LessThanOrEqual(limit) {
		return false, types.Event{}
	}

	return true, types.NewEvent(types.EventTypeEntrySkipped, StrategyType, tick.Timestamp,
		types.EntrySkippedPayload{Reason: "spread above limit", SpreadPips: spreadPips})
}

// manageEntries opens the initial entry on a flat book, scales in on
// adverse moves, and descends a floor once the retracement budget for the
// current floor is spent.
func (f *Floor) manageEntries(tick types.Tick, execState *types.ExecutionState) []types.Event {
	if len(execState.OpenPositions) == 0 {
		return f.openInitialEntry(tick, execState)
	}

	last := execState.OpenPositions[len(execState.OpenPositions)-1]

	adversePips := f.adverseMovePips(last, tick.Mid)
	profile := f.config.profile(f.state.FloorIndex)

	if adversePips.LessThan(decimal.NewFromFloat(profile.RetracementPips)) {
		return nil
	}

	count := f.state.RetracementCounts[f.state.FloorIndex]

	if count < f.config.MaxRetracementsPerLayer {
		entry := f.openEntry(execState, tick, f.nextUnits(last.Units), profile.TakeProfitPips, false, count+1)
		f.state.RetracementCounts[f.state.FloorIndex] = count + 1

		return []types.Event{types.NewEvent(types.EventTypeRetracement, StrategyType, tick.Timestamp,
			types.RetracementPayload{
				EntryID:          entry.EntryID,
				Direction:        entry.Direction,
				Price:            entry.EntryPrice,
				Units:            entry.Units,
				FloorIndex:       entry.FloorIndex,
				RetracementCount: count + 1,
			})}
	}

	if f.state.FloorIndex+1 < f.config.MaxLayers {
		from := f.state.FloorIndex
		f.state.pushFloor()

		return []types.Event{types.NewEvent(types.EventTypeAddLayer, StrategyType, tick.Timestamp,
			types.AddLayerPayload{FromFloor: from, ToFloor: f.state.FloorIndex})}
	}

	// Deepest floor, budget spent: hold and wait for the market to turn.
	return nil
}

func (f *Floor) openInitialEntry(tick types.Tick, execState *types.ExecutionState) []types.Event {
	// A flat book starts a new grid cycle from the shallowest floor.
	f.state.FloorIndex = 0
	f.state.ReturnStack = nil
	f.state.RetracementCounts = make(map[int]int)

	profile := f.config.profile(0)
	entry := f.openEntry(execState, tick, decimal.NewFromFloat(f.config.BaseUnits), profile.TakeProfitPips, true, 0)

	return []types.Event{types.NewEvent(types.EventTypeInitialEntry, StrategyType, tick.Timestamp,
		types.InitialEntryPayload{
			EntryID:    entry.EntryID,
			Direction:  entry.Direction,
			Price:      entry.EntryPrice,
			Units:      entry.Units,
			FloorIndex: entry.FloorIndex,
		})}
}

func (f *Floor) openEntry(execState *types.ExecutionState, tick types.Tick, units decimal.Decimal,
	takeProfitPips float64, isInitial bool, retracementCount int,
) types.OpenEntry {
	entry := types.OpenEntry{
		EntryID:          uuid.New().String(),
		FloorIndex:       f.state.FloorIndex,
		Direction:        f.direction(),
		EntryPrice:       tick.Mid,
		Units:            units,
		TakeProfitPips:   decimal.NewFromFloat(takeProfitPips),
		OpenedAt:         tick.Timestamp,
		IsInitial:        isInitial,
		RetracementCount: retracementCount,
	}

	execState.OpenPositions = append(execState.OpenPositions, entry)

	return entry
}

// closeUnits realizes pnl for units of the entry at index, removing the
// entry when fully closed. Returns the recorded trade.
func (f *Floor) closeUnits(execState *types.ExecutionState, index int, units, price decimal.Decimal,
	reason string, closedAt time.Time,
) types.Trade {
	entry := execState.OpenPositions[index]

	if units.GreaterThan(entry.Units) {
		units = entry.Units
	}

	partial := types.OpenEntry{
		EntryID:    entry.EntryID,
		Direction:  entry.Direction,
		EntryPrice: entry.EntryPrice,
		Units:      units,
	}
	pnl := partial.UnrealizedPnL(price)

	pips := price.Sub(entry.EntryPrice).Div(f.pip)
	if entry.Direction == types.DirectionShort {
		pips = pips.Neg()
	}

	trade := types.Trade{
		EntryID:    entry.EntryID,
		Direction:  entry.Direction,
		Units:      units,
		EntryPrice: entry.EntryPrice,
		ExitPrice:  price,
		PnL:        pnl,
		Pips:       pips,
		Reason:     reason,
		ClosedAt:   closedAt,
	}

	execState.Balance = execState.Balance.Add(pnl)
	execState.Metrics.RealizedPnL = execState.Metrics.RealizedPnL.Add(pnl)
	execState.Metrics.TotalTrades++
	execState.Trades = append(execState.Trades, trade)

	remaining := entry.Units.Sub(units)
	if remaining.IsPositive() {
		execState.OpenPositions[index].Units = remaining
	} else {
		execState.OpenPositions = append(execState.OpenPositions[:index], execState.OpenPositions[index+1:]...)
	}

	return trade
}

func (f *Floor) refreshRunningMetrics(tick types.Tick, execState *types.ExecutionState) {
	unrealized := decimal.Zero
	for _, entry := range execState.OpenPositions {
		unrealized = unrealized.Add(entry.UnrealizedPnL(tick.Mid))
	}

	execState.Metrics.UnrealizedPnL = unrealized
	execState.EquityCurve = append(execState.EquityCurve, types.EquityPoint{
		Timestamp: tick.Timestamp,
		Equity:    execState.Balance.Add(unrealized),
	})
}

func (f *Floor) writeBack(execState *types.ExecutionState) error {
	raw, err := f.state.Encode()
	if err != nil {
		return err
	}

	execState.StrategyState = raw

	return nil
}

func (f *Floor) direction() types.Direction {
	if f.config.Direction == "short" {
		return types.DirectionShort
	}

	return types.DirectionLong
}

// favorableMovePips measures the profit-side move from the entry in pips.
func (f *Floor) favorableMovePips(entry types.OpenEntry, mid decimal.Decimal) decimal.Decimal {
	move := mid.Sub(entry.EntryPrice)
	if entry.Direction == types.DirectionShort {
		move = move.Neg()
	}

	return move.Div(f.pip)
}

// adverseMovePips measures the loss-side move from the entry in pips.
func (f *Floor) adverseMovePips(entry types.OpenEntry, mid decimal.Decimal) decimal.Decimal {
	return f.favorableMovePips(entry, mid).Neg()
}

// nextUnits sizes a scale-in entry from the previous entry's size.
func (f *Floor) nextUnits(lastUnits decimal.Decimal) decimal.Decimal {
	if f.config.ScalingMode == ScalingMultiplicative {
		return lastUnits.Mul(decimal.NewFromFloat(f.config.ScalingFactor))
	}

	return lastUnits.Add(decimal.NewFromFloat(f.config.ScalingStep))
}

func (f *Floor) floorHasEntries(execState *types.ExecutionState, floorIndex int) bool {
	for _, entry := range execState.OpenPositions {
		if entry.FloorIndex == floorIndex {
			return true
		}
	}

	return false
}
