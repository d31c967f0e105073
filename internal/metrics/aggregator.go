// Package metrics downsamples a per-tick metrics stream into fixed-width
// time bins with statistically correct summaries for replay and analytics.
package metrics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// Aggregate bins records into windows of granularitySeconds. Every record
// maps to exactly one bin, computed as
// floor(epoch_seconds / granularity) * granularity; bin timestamps are
// unique and strictly increasing in the returned slice.
func Aggregate(records []types.MetricRecord, granularitySeconds int64) ([]types.MetricBin, error) {
	if granularitySeconds < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidGranularity,
			"granularity must be >= 1 second, got %d", granularitySeconds)
	}

	grouped := make(map[int64][]types.MetricRecord)

	for _, record := range records {
		epoch := alignEpoch(record.Timestamp.Unix(), granularitySeconds)
		grouped[epoch] = append(grouped[epoch], record)
	}

	epochs := make([]int64, 0, len(grouped))
	for epoch := range grouped {
		epochs = append(epochs, epoch)
	}

	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	bins := make([]types.MetricBin, 0, len(epochs))
	for _, epoch := range epochs {
		bins = append(bins, buildBin(epoch, grouped[epoch]))
	}

	return bins, nil
}

// alignEpoch floors the epoch to the granularity boundary. Integer division
// in Go truncates toward zero, so pre-epoch timestamps need the extra step.
func alignEpoch(epoch, granularity int64) int64 {
	aligned := (epoch / granularity) * granularity
	if epoch < 0 && epoch%granularity != 0 {
		aligned -= granularity
	}

	return aligned
}

func buildBin(epoch int64, records []types.MetricRecord) types.MetricBin {
	realized := make([]decimal.Decimal, 0, len(records))
	unrealized := make([]decimal.Decimal, 0, len(records))
	bids := make([]decimal.Decimal, 0, len(records))
	asks := make([]decimal.Decimal, 0, len(records))
	mids := make([]decimal.Decimal, 0, len(records))

	var tradeCount int64

	for _, record := range records {
		realized = append(realized, record.RealizedPnL)
		unrealized = append(unrealized, record.UnrealizedPnL)
		bids = append(bids, record.Bid)
		asks = append(asks, record.Ask)
		mids = append(mids, record.Mid)

		// total_trades is a monotonically increasing counter; the bin
		// value is the maximum observed, not a sum.
		if record.TotalTrades > tradeCount {
			tradeCount = record.TotalTrades
		}
	}

	return types.MetricBin{
		Timestamp:     time.Unix(epoch, 0).UTC(),
		RealizedPnL:   computeStats(realized),
		UnrealizedPnL: computeStats(unrealized),
		Bid:           computeStats(bids),
		Ask:           computeStats(asks),
		Mid:           computeStats(mids),
		TradeCount:    tradeCount,
		RecordCount:   len(records),
	}
}

func computeStats(values []decimal.Decimal) types.FieldStats {
	if len(values) == 0 {
		return types.FieldStats{
			Min:    decimal.Zero,
			Max:    decimal.Zero,
			Avg:    decimal.Zero,
			Median: decimal.Zero,
		}
	}

	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	sum := decimal.Zero
	for _, v := range sorted {
		sum = sum.Add(v)
	}

	count := decimal.NewFromInt(int64(len(sorted)))

	return types.FieldStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Avg:    sum.Div(count),
		Median: median(sorted),
	}
}

// median expects a sorted slice.
func median(sorted []decimal.Decimal) decimal.Decimal {
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
