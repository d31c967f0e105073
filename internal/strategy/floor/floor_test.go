package floor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/gridflow-lab/gridflow/internal/types"
)

type FloorStrategyTestSuite struct {
	suite.Suite
	baseTime time.Time
}

func TestFloorStrategyTestSuite(t *testing.T) {
	suite.Run(t, new(FloorStrategyTestSuite))
}

func (s *FloorStrategyTestSuite) SetupTest() {
	s.baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

// newFloor builds a strategy with all safety valves off so each test can
// enable exactly the behavior under test.
func (s *FloorStrategyTestSuite) newFloor(mutate func(*Config)) *Floor {
	config := DefaultConfig()
	config.Volatility.Enabled = false
	config.Margin.Enabled = false
	config.MarketOverride.Enabled = false

	if mutate != nil {
		mutate(&config)
	}

	s.Require().NoError(config.Validate())

	return &Floor{config: config, pip: config.pipSize(), state: NewState()}
}

func (s *FloorStrategyTestSuite) tick(price string, offsetSec int) types.Tick {
	p := decimal.RequireFromString(price)

	return types.NewTick("EUR_USD", s.baseTime.Add(time.Duration(offsetSec)*time.Second), p, p)
}

func (s *FloorStrategyTestSuite) newExecState() *types.ExecutionState {
	return types.NewExecutionState("exec-1", decimal.NewFromInt(10000))
}

func (s *FloorStrategyTestSuite) feed(f *Floor, execState *types.ExecutionState, prices ...string) []types.Event {
	var events []types.Event

	for i, price := range prices {
		result, err := f.OnTick(s.tick(price, i), execState)
		s.Require().NoError(err)

		events = append(events, result.Events...)
	}

	return events
}

func eventsOfType(events []types.Event, eventType types.EventType) []types.Event {
	var matched []types.Event

	for _, event := range events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

func (s *FloorStrategyTestSuite) TestATRZeroOnConstantMids() {
	state := NewState()

	mid := decimal.RequireFromString("1.1000")
	for i := 0; i < 15; i++ {
		state.observeMid(mid, 14)
	}

	atr, ok := state.ATR(14)
	s.True(ok)
	s.True(atr.IsZero(), "constant mids must yield an ATR of exactly zero, got %s", atr)
}

func (s *FloorStrategyTestSuite) TestATRPositiveOnWideningRanges() {
	state := NewState()

	// Each mid jumps one pip further than the last, so true ranges are
	// strictly increasing.
	mid := decimal.RequireFromString("1.1000")
	step := decimal.Zero
	pip := decimal.RequireFromString("0.0001")

	for i := 0; i < 21; i++ {
		state.observeMid(mid, 20)

		step = step.Add(pip)
		mid = mid.Add(step)
	}

	for i := 1; i < len(state.TrueRanges); i++ {
		s.True(state.TrueRanges[i].GreaterThan(state.TrueRanges[i-1]),
			"true ranges must be strictly increasing at %d", i)
	}

	atr, ok := state.ATR(14)
	s.True(ok)
	s.True(atr.IsPositive())
}

func (s *FloorStrategyTestSuite) TestInitialEntryOnFlatBook() {
	f := s.newFloor(nil)
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	result, err := f.OnTick(s.tick("1.1000", 0), execState)
	s.Require().NoError(err)

	s.Require().Len(result.Events, 1)
	s.Equal(types.EventTypeInitialEntry, result.Events[0].Type)

	s.Require().Len(execState.OpenPositions, 1)
	entry := execState.OpenPositions[0]
	s.True(entry.IsInitial)
	s.Equal(0, entry.FloorIndex)
	s.Equal(types.DirectionLong, entry.Direction)
	s.True(entry.Units.Equal(decimal.NewFromInt(1000)))
	s.True(entry.EntryPrice.Equal(decimal.RequireFromString("1.1000")))
}

func (s *FloorStrategyTestSuite) TestTakeProfitClosesMostRecentFirst() {
	f := s.newFloor(nil)
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	// Initial at 1.1000, 15 pip adverse move scales in at 1.0985, then a
	// 10 pip favorable move from the scale-in hits its take profit while
	// the initial entry is still 5 pips under water.
	events := s.feed(f, execState, "1.1000", "1.0985", "1.0995")

	s.Len(eventsOfType(events, types.EventTypeRetracement), 1)

	takeProfits := eventsOfType(events, types.EventTypeTakeProfit)
	s.Require().Len(takeProfits, 1)

	s.Require().Len(execState.Trades, 1)
	trade := execState.Trades[0]
	s.Equal(ReasonTakeProfit, trade.Reason)
	s.True(trade.Units.Equal(decimal.NewFromInt(2000)), "scale-in entry closes first, got %s units", trade.Units)
	s.True(trade.PnL.Equal(decimal.NewFromInt(2)), "2000 units over 10 pips, got %s", trade.PnL)

	s.Require().Len(execState.OpenPositions, 1)
	s.True(execState.OpenPositions[0].IsInitial, "the older initial entry must survive")
}

func (s *FloorStrategyTestSuite) TestExhaustedRetracementBudgetAddsLayer() {
	f := s.newFloor(nil)
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	// Three 15 pip adverse legs spend the floor 0 budget; the fourth
	// pushes to floor 1 without opening an entry.
	events := s.feed(f, execState, "1.1000", "1.0985", "1.0970", "1.0955", "1.0940")

	s.Len(eventsOfType(events, types.EventTypeRetracement), 3)

	addLayers := eventsOfType(events, types.EventTypeAddLayer)
	s.Require().Len(addLayers, 1)

	payload, ok := addLayers[0].Payload.(types.AddLayerPayload)
	s.Require().True(ok)
	s.Equal(0, payload.FromFloor)
	s.Equal(1, payload.ToFloor)

	s.Equal(1, f.state.FloorIndex)
	s.Equal([]int{0}, f.state.ReturnStack)
	s.Len(execState.OpenPositions, 4, "the add-layer tick opens no entry")
}

func (s *FloorStrategyTestSuite) TestEmptiedFloorPopsReturnStack() {
	f := s.newFloor(nil)
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	// Spend floor 0, descend, scale in once on floor 1 (20 pip
	// retracement distance), then rally 15 pips to the floor 1 take
	// profit. Emptying floor 1 must pop back to floor 0, not reset.
	events := s.feed(f, execState,
		"1.1000", "1.0985", "1.0970", "1.0955", // floor 0 budget spent
		"1.0940", // add_layer: floor 0 -> 1
		"1.0935", // floor 1 scale-in
		"1.0950", // floor 1 take profit
	)

	removeLayers := eventsOfType(events, types.EventTypeRemoveLayer)
	s.Require().Len(removeLayers, 1)

	payload, ok := removeLayers[0].Payload.(types.RemoveLayerPayload)
	s.Require().True(ok)
	s.Equal(1, payload.FromFloor)
	s.Equal(0, payload.ToFloor)

	s.Equal(0, f.state.FloorIndex)
	s.Empty(f.state.ReturnStack)
	s.Len(execState.OpenPositions, 4, "only the floor 1 entry closed")
}

func (s *FloorStrategyTestSuite) TestMarginProtectionClosesOldestFirst() {
	f := s.newFloor(func(c *Config) {
		c.Margin.Enabled = true
	})
	execState := s.newExecState()
	execState.Balance = decimal.NewFromInt(600)

	execState.OpenPositions = []types.OpenEntry{{
		EntryID:        "entry-old",
		FloorIndex:     0,
		Direction:      types.DirectionLong,
		EntryPrice:     decimal.RequireFromString("1.1000"),
		Units:          decimal.NewFromInt(30000),
		TakeProfitPips: decimal.NewFromInt(10),
		OpenedAt:       s.baseTime,
		IsInitial:      true,
	}}

	unitsBefore := execState.OpenPositions[0].Units

	events := f.protectMargin(s.tick("1.0950", 1), execState)

	s.Require().Len(events, 1)
	s.Equal(types.EventTypeMarginProtection, events[0].Type)

	payload, ok := events[0].Payload.(types.MarginProtectionPayload)
	s.Require().True(ok)
	s.True(payload.UnitsClosed.IsPositive())
	s.True(payload.RatioBefore.LessThan(decimal.NewFromFloat(0.5)))
	s.True(payload.RatioAfter.GreaterThan(payload.RatioBefore))

	s.Require().Len(execState.OpenPositions, 1, "partial close keeps the remainder open")
	s.True(execState.OpenPositions[0].Units.LessThan(unitsBefore),
		"open units must strictly decrease")

	s.Require().Len(execState.Trades, 1)
	s.Equal(ReasonMarginProtection, execState.Trades[0].Reason)
	s.True(execState.Trades[0].Units.Equal(payload.UnitsClosed))
}

func (s *FloorStrategyTestSuite) TestMarginProtectionDisabledLeavesBookAlone() {
	f := s.newFloor(nil)
	execState := s.newExecState()
	execState.Balance = decimal.NewFromInt(10)

	execState.OpenPositions = []types.OpenEntry{{
		EntryID:    "entry-old",
		Direction:  types.DirectionLong,
		EntryPrice: decimal.RequireFromString("1.1000"),
		Units:      decimal.NewFromInt(30000),
		OpenedAt:   s.baseTime,
	}}

	events := f.protectMargin(s.tick("1.0900", 1), execState)

	s.Empty(events)
	s.Len(execState.OpenPositions, 1)
	s.True(execState.OpenPositions[0].Units.Equal(decimal.NewFromInt(30000)))
	s.Empty(execState.Trades)
}

func (s *FloorStrategyTestSuite) TestVolatilityLockSuspendsAndReleasesEntries() {
	f := s.newFloor(func(c *Config) {
		c.Volatility = VolatilityConfig{
			Enabled:          true,
			ShortPeriod:      3,
			BaselinePeriod:   5,
			LockMultiplier:   1.5,
			UnlockMultiplier: 1,
		}
	})
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	// Steady one pip steps establish the baseline, then a 50 pip jump
	// runs the short ATR hot.
	events := s.feed(f, execState,
		"1.1000", "1.1001", "1.1002", "1.1003", "1.1004", "1.1005",
		"1.1055",
	)

	locks := eventsOfType(events, types.EventTypeVolatilityLock)
	s.Require().Len(locks, 1)

	payload, ok := locks[0].Payload.(types.VolatilityLockPayload)
	s.Require().True(ok)
	s.True(payload.Locked)
	s.True(f.state.VolatilityLocked)

	// The jump also hit the initial entry's take profit; with the lock
	// held the flat book must not re-enter.
	s.Empty(execState.OpenPositions)

	// Quiet ticks cool the short ATR back under the baseline, releasing
	// the lock and re-enabling entries on the same tick.
	events = s.feed(f, execState, "1.1055", "1.1055", "1.1055")

	locks = eventsOfType(events, types.EventTypeVolatilityLock)
	s.Require().Len(locks, 1)

	payload, ok = locks[0].Payload.(types.VolatilityLockPayload)
	s.Require().True(ok)
	s.False(payload.Locked)
	s.False(f.state.VolatilityLocked)

	s.Len(eventsOfType(events, types.EventTypeInitialEntry), 1)
	s.Len(execState.OpenPositions, 1)
}

func (s *FloorStrategyTestSuite) TestSpreadOverrideSkipsEntries() {
	f := s.newFloor(func(c *Config) {
		c.MarketOverride = MarketOverrideConfig{Enabled: true, MaxSpreadPips: 2}
	})
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	wide := types.NewTick("EUR_USD", s.baseTime,
		decimal.RequireFromString("1.0998"), decimal.RequireFromString("1.1004"))

	result, err := f.OnTick(wide, execState)
	s.Require().NoError(err)

	skipped := eventsOfType(result.Events, types.EventTypeEntrySkipped)
	s.Require().Len(skipped, 1)
	s.Empty(execState.OpenPositions)

	tight := types.NewTick("EUR_USD", s.baseTime.Add(time.Second),
		decimal.RequireFromString("1.1000"), decimal.RequireFromString("1.1001"))

	result, err = f.OnTick(tight, execState)
	s.Require().NoError(err)

	s.Len(eventsOfType(result.Events, types.EventTypeInitialEntry), 1)
	s.Len(execState.OpenPositions, 1)
}

func (s *FloorStrategyTestSuite) TestSellAtCompletionClosesEverything() {
	f := s.newFloor(func(c *Config) {
		c.SellAtCompletion = true
	})
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	s.feed(f, execState, "1.1000", "1.0985")
	s.Require().Len(execState.OpenPositions, 2)

	tradesBefore := len(execState.Trades)

	result, err := f.OnStop(execState)
	s.Require().NoError(err)

	s.Empty(execState.OpenPositions)
	s.Len(execState.Trades, tradesBefore+2)

	for _, trade := range execState.Trades[tradesBefore:] {
		s.Equal(ReasonClose, trade.Reason)
		s.True(trade.ExitPrice.Equal(decimal.RequireFromString("1.0985")),
			"completion closes at the last observed mid")
	}

	s.True(execState.Metrics.UnrealizedPnL.IsZero())
	s.Require().Len(result.Events, 1)
	s.Equal(types.EventTypeGeneric, result.Events[0].Type)
}

func (s *FloorStrategyTestSuite) TestSellAtCompletionDisabledLeavesPositionsOpen() {
	f := s.newFloor(func(c *Config) {
		c.SellAtCompletion = false
	})
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	s.feed(f, execState, "1.1000", "1.0985")
	s.Require().Len(execState.OpenPositions, 2)

	tradesBefore := len(execState.Trades)

	result, err := f.OnStop(execState)
	s.Require().NoError(err)

	s.Empty(result.Events)
	s.Len(execState.OpenPositions, 2)
	s.Len(execState.Trades, tradesBefore)
}

func (s *FloorStrategyTestSuite) TestStateRoundTripsThroughSnapshots() {
	f := s.newFloor(nil)
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	s.feed(f, execState, "1.1000", "1.0985", "1.0970", "1.0955", "1.0940")
	s.Require().Equal(1, f.state.FloorIndex)

	// A fresh instance resuming from the serialized state must observe
	// the same floor, stack, and retracement budget.
	resumed := s.newFloor(nil)

	_, err = resumed.OnStart(execState)
	s.Require().NoError(err)

	s.Equal(f.state.FloorIndex, resumed.state.FloorIndex)
	s.Equal(f.state.ReturnStack, resumed.state.ReturnStack)
	s.Equal(f.state.RetracementCounts, resumed.state.RetracementCounts)
}

func (s *FloorStrategyTestSuite) TestMultiplicativeScaling() {
	f := s.newFloor(func(c *Config) {
		c.ScalingMode = ScalingMultiplicative
		c.ScalingFactor = 2
	})
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	s.feed(f, execState, "1.1000", "1.0985", "1.0970")

	s.Require().Len(execState.OpenPositions, 3)
	s.True(execState.OpenPositions[0].Units.Equal(decimal.NewFromInt(1000)))
	s.True(execState.OpenPositions[1].Units.Equal(decimal.NewFromInt(2000)))
	s.True(execState.OpenPositions[2].Units.Equal(decimal.NewFromInt(4000)))
}

func (s *FloorStrategyTestSuite) TestShortDirectionMirrorsPnL() {
	f := s.newFloor(func(c *Config) {
		c.Direction = "short"
	})
	execState := s.newExecState()

	_, err := f.OnStart(execState)
	s.Require().NoError(err)

	// Short entry at 1.1000 takes profit on a 10 pip fall.
	events := s.feed(f, execState, "1.1000", "1.0990")

	takeProfits := eventsOfType(events, types.EventTypeTakeProfit)
	s.Require().Len(takeProfits, 1)

	s.Require().NotEmpty(execState.Trades)
	trade := execState.Trades[0]
	s.Equal(types.DirectionShort, trade.Direction)
	s.True(trade.PnL.Equal(decimal.NewFromInt(1)), "1000 units over 10 pips, got %s", trade.PnL)
	s.True(trade.Pips.Equal(decimal.NewFromInt(10)))
}

func (s *FloorStrategyTestSuite) TestParseConfigDefaultsAndValidation() {
	config, err := ParseConfig("")
	s.Require().NoError(err)
	s.Equal("EUR_USD", config.Instrument)
	s.Equal(ScalingAdditive, config.ScalingMode)

	config, err = ParseConfig("direction: short\nbase_units: 500\n")
	s.Require().NoError(err)
	s.Equal("short", config.Direction)
	s.Equal(float64(500), config.BaseUnits)

	_, err = ParseConfig("direction: sideways\n")
	s.Error(err)

	_, err = ParseConfig("scaling_mode: multiplicative\nscaling_factor: 1\n")
	s.Error(err)
}
