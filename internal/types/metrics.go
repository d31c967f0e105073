package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricRecord is one per-tick sample of the running metrics, recorded by
// the executor and later downsampled by the metrics aggregator.
type MetricRecord struct {
	ExecutionID   string          `json:"execution_id"`
	Timestamp     time.Time       `json:"timestamp"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Mid           decimal.Decimal `json:"mid"`
	TotalTrades   int64           `json:"total_trades"`
}

// FieldStats summarizes one numeric field across the records of a bin.
type FieldStats struct {
	Min    decimal.Decimal `json:"min"`
	Max    decimal.Decimal `json:"max"`
	Avg    decimal.Decimal `json:"avg"`
	Median decimal.Decimal `json:"median"`
}

// MetricBin is one fixed-width time window of downsampled metrics. The bin
// timestamp is aligned to the granularity boundary:
// epoch_seconds(Timestamp) % granularity == 0.
type MetricBin struct {
	Timestamp     time.Time  `json:"timestamp"`
	RealizedPnL   FieldStats `json:"realized_pnl"`
	UnrealizedPnL FieldStats `json:"unrealized_pnl"`
	Bid           FieldStats `json:"bid"`
	Ask           FieldStats `json:"ask"`
	Mid           FieldStats `json:"mid"`
	// TradeCount is the maximum total_trades observed in the bin. The
	// counter is monotonically increasing, so max, not sum.
	TradeCount int64 `json:"trade_count"`
	// RecordCount is how many records were mapped into this bin.
	RecordCount int `json:"record_count"`
}
