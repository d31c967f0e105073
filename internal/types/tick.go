package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single immutable price observation for an instrument.
// Ticks are ordered by timestamp; the mid price is derived as (bid+ask)/2
// when not supplied by the feed.
type Tick struct {
	Instrument string          `yaml:"instrument" json:"instrument" validate:"required"`
	Timestamp  time.Time       `yaml:"timestamp" json:"timestamp" validate:"required"`
	Bid        decimal.Decimal `yaml:"bid" json:"bid"`
	Ask        decimal.Decimal `yaml:"ask" json:"ask"`
	Mid        decimal.Decimal `yaml:"mid" json:"mid"`
}

var two = decimal.NewFromInt(2)

// NewTick builds a Tick, deriving the mid price from bid and ask.
func NewTick(instrument string, ts time.Time, bid, ask decimal.Decimal) Tick {
	return Tick{
		Instrument: instrument,
		Timestamp:  ts.UTC(),
		Bid:        bid,
		Ask:        ask,
		Mid:        bid.Add(ask).Div(two),
	}
}

// Spread returns the bid/ask spread in price units.
func (t Tick) Spread() decimal.Decimal {
	return t.Ask.Sub(t.Bid)
}

// SpreadPips converts the spread into pips for the given pip size.
func (t Tick) SpreadPips(pipSize decimal.Decimal) decimal.Decimal {
	return t.Spread().Div(pipSize)
}
