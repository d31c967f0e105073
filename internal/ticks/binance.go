package ticks

import (
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// BinanceSource streams best bid/ask ticks for one symbol from the Binance
// book-ticker websocket. The binance client handles its own keepalive; this
// adapter only converts events into Ticks and feeds the batch buffer.
type BinanceSource struct {
	*ChannelSource
	symbol string
	log    *logger.Logger
	stopC  chan struct{}
}

// NewBinanceSource subscribes to the symbol's book ticker stream.
func NewBinanceSource(symbol string, batchSize int, idleTimeout time.Duration, log *logger.Logger) (*BinanceSource, error) {
	source := &BinanceSource{
		ChannelSource: NewChannelSource(batchSize, idleTimeout),
		symbol:        symbol,
		log:           log,
	}

	handler := func(event *binance.WsBookTickerEvent) {
		tick, err := source.convert(event)
		if err != nil {
			log.Warn("skipping malformed binance tick", zap.Error(err))
			return
		}

		source.Publish(tick)
	}

	errHandler := func(err error) {
		log.Warn("binance stream error", zap.String("symbol", symbol), zap.Error(err))
	}

	_, stopC, err := binance.WsBookTickerServe(symbol, handler, errHandler)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeTickSourceUnavailable, err,
			"failed to subscribe to binance book ticker for %s", symbol)
	}

	source.stopC = stopC

	return source, nil
}

// Close implements Source. Stops the subscription, then ends the stream.
func (b *BinanceSource) Close() error {
	if b.stopC != nil {
		close(b.stopC)
		b.stopC = nil
	}

	b.CloseInput(nil)

	return nil
}

func (b *BinanceSource) convert(event *binance.WsBookTickerEvent) (types.Tick, error) {
	bid, err := decimal.NewFromString(event.BestBidPrice)
	if err != nil {
		return types.Tick{}, errors.Wrapf(errors.ErrCodeTickParseFailed, err, "invalid bid %q", event.BestBidPrice)
	}

	ask, err := decimal.NewFromString(event.BestAskPrice)
	if err != nil {
		return types.Tick{}, errors.Wrapf(errors.ErrCodeTickParseFailed, err, "invalid ask %q", event.BestAskPrice)
	}

	// Book ticker events carry no exchange timestamp; stamp on receipt.
	return types.NewTick(b.symbol, time.Now().UTC(), bid, ask), nil
}
