package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an open entry.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// OpenEntry is one open position opened by a strategy. Entries are created
// on initial or retracement entries and removed when closed.
type OpenEntry struct {
	EntryID          string          `json:"entry_id"`
	FloorIndex       int             `json:"floor_index"`
	Direction        Direction       `json:"direction"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Units            decimal.Decimal `json:"units"`
	TakeProfitPips   decimal.Decimal `json:"take_profit_pips"`
	OpenedAt         time.Time       `json:"opened_at"`
	IsInitial        bool            `json:"is_initial"`
	RetracementCount int             `json:"retracement_count"`
}

// UnrealizedPnL computes the mark-to-market pnl of the entry at the given
// price. Long entries gain when price rises, short entries when it falls.
func (e OpenEntry) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if e.Direction == DirectionLong {
		return price.Sub(e.EntryPrice).Mul(e.Units)
	}

	return e.EntryPrice.Sub(price).Mul(e.Units)
}

// Trade is a realized close of all or part of an open entry.
type Trade struct {
	EntryID    string          `json:"entry_id"`
	Direction  Direction       `json:"direction"`
	Units      decimal.Decimal `json:"units"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	Pips       decimal.Decimal `json:"pips"`
	Reason     string          `json:"reason"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// EquityPoint is one sample of the running equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}
