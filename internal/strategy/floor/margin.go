package floor

import (
	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/types"
)

// protectMargin force-closes exposure oldest-first once the nav to
// used-margin ratio sinks below start_ratio, until the books satisfy
// target_ratio. The last close may be partial so the exact target is hit
// rather than overshot.
func (f *Floor) protectMargin(tick types.Tick, execState *types.ExecutionState) []types.Event {
	if !f.config.Margin.Enabled || len(execState.OpenPositions) == 0 {
		return nil
	}

	leverage := decimal.NewFromFloat(f.config.Margin.Leverage)
	marginUsed := f.marginUsed(execState, leverage)

	if !marginUsed.IsPositive() {
		return nil
	}

	nav := execState.NAV(tick.Mid)
	ratioBefore := nav.Div(marginUsed)

	if ratioBefore.GreaterThanOrEqual(decimal.NewFromFloat(f.config.Margin.StartRatio)) {
		return nil
	}

	// marginUsed must come down to nav / target_ratio. A non-positive nav
	// leaves no margin budget at all.
	marginBudget := decimal.Zero
	if nav.IsPositive() {
		marginBudget = nav.Div(decimal.NewFromFloat(f.config.Margin.TargetRatio))
	}

	excess := marginUsed.Sub(marginBudget)
	unitsClosed := decimal.Zero

	for excess.IsPositive() && len(execState.OpenPositions) > 0 {
		entry := execState.OpenPositions[0]
		entryMargin := entry.Units.Mul(entry.EntryPrice).Div(leverage)

		closeUnits := entry.Units
		if entryMargin.GreaterThan(excess) {
			closeUnits = entry.Units.Mul(excess).Div(entryMargin)
			excess = decimal.Zero
		} else {
			excess = excess.Sub(entryMargin)
		}

		f.closeUnits(execState, 0, closeUnits, tick.Mid, ReasonMarginProtection, tick.Timestamp)
		unitsClosed = unitsClosed.Add(closeUnits)
	}

	ratioAfter := decimal.Zero

	remainingMargin := f.marginUsed(execState, leverage)
	if remainingMargin.IsPositive() {
		ratioAfter = execState.NAV(tick.Mid).Div(remainingMargin)
	}

	return []types.Event{types.NewEvent(types.EventTypeMarginProtection, StrategyType, tick.Timestamp,
		types.MarginProtectionPayload{
			UnitsClosed: unitsClosed,
			RatioBefore: ratioBefore,
			RatioAfter:  ratioAfter,
		})}
}

// marginUsed sums the entry-notional margin across all open positions.
func (f *Floor) marginUsed(execState *types.ExecutionState, leverage decimal.Decimal) decimal.Decimal {
	used := decimal.Zero
	for _, entry := range execState.OpenPositions {
		used = used.Add(entry.Units.Mul(entry.EntryPrice).Div(leverage))
	}

	return used
}
