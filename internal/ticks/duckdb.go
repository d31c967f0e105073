package ticks

import (
	"database/sql"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// NewCSVSource reads an entire tick file through DuckDB's read_csv_auto and
// serves it as a SliceSource. The file needs instrument, timestamp, bid,
// and ask columns; prices are re-parsed as decimals so no precision is lost
// to the database's float representation.
func NewCSVSource(path string, batchSize int) (*SliceSource, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTickSourceUnavailable, "failed to open duckdb", err)
	}
	defer db.Close()

	rows, err := db.Query(
		`SELECT instrument, timestamp, CAST(bid AS VARCHAR), CAST(ask AS VARCHAR)
		 FROM read_csv_auto(?) ORDER BY timestamp ASC`, path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeTickSourceUnavailable, err, "failed to read tick file %s", path)
	}
	defer rows.Close()

	var ticks []types.Tick

	for rows.Next() {
		var (
			tick     types.Tick
			bid, ask string
		)

		if err := rows.Scan(&tick.Instrument, &tick.Timestamp, &bid, &ask); err != nil {
			return nil, errors.Wrap(errors.ErrCodeTickParseFailed, "failed to scan tick row", err)
		}

		if tick.Bid, err = decimal.NewFromString(bid); err != nil {
			return nil, errors.Wrapf(errors.ErrCodeTickParseFailed, err, "invalid bid %q", bid)
		}

		if tick.Ask, err = decimal.NewFromString(ask); err != nil {
			return nil, errors.Wrapf(errors.ErrCodeTickParseFailed, err, "invalid ask %q", ask)
		}

		ticks = append(ticks, types.NewTick(tick.Instrument, tick.Timestamp, tick.Bid, tick.Ask))
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeTickParseFailed, "failed to iterate tick rows", err)
	}

	return NewSliceSource(ticks, batchSize), nil
}
