package ticks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// wireTick is the JSON message expected from the websocket feed.
type wireTick struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Bid        string    `json:"bid"`
	Ask        string    `json:"ask"`
}

// WebsocketConfig tunes the websocket tick source.
type WebsocketConfig struct {
	URL string `yaml:"url" validate:"required,url"`
	// BatchSize is the batch threshold before a batch is yielded.
	BatchSize int `yaml:"batch_size"`
	// IdleTimeout flushes a partial batch after this much quiet time.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxReconnects bounds the reconnect budget. Once exhausted the
	// stream ends with a fatal error.
	MaxReconnects uint64 `yaml:"max_reconnects"`
}

// WebsocketSource subscribes to a websocket tick feed and exposes it as a
// batch-pull Source. Disconnects are retried with exponential backoff up to
// the configured budget; only after the budget is exhausted does the stream
// surface a fatal error to the executor.
type WebsocketSource struct {
	*ChannelSource
	config WebsocketConfig
	log    *logger.Logger
	dial   func(url string) (*websocket.Conn, error)
	cancel context.CancelFunc
}

// NewWebsocketSource creates the source and starts its read loop.
func NewWebsocketSource(config WebsocketConfig, log *logger.Logger) *WebsocketSource {
	if config.BatchSize < 1 {
		config.BatchSize = 100
	}

	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Second
	}

	if config.MaxReconnects == 0 {
		config.MaxReconnects = 5
	}

	ctx, cancel := context.WithCancel(context.Background())

	source := &WebsocketSource{
		ChannelSource: NewChannelSource(config.BatchSize, config.IdleTimeout),
		config:        config,
		log:           log,
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
		cancel: cancel,
	}

	go source.run(ctx)

	return source
}

// Close implements Source. Safe to call more than once.
func (w *WebsocketSource) Close() error {
	w.cancel()
	w.CloseInput(nil)

	return nil
}

func (w *WebsocketSource) run(ctx context.Context) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.config.MaxReconnects), ctx)

	err := backoff.Retry(func() error {
		return w.readUntilDisconnect(ctx)
	}, policy)

	if ctx.Err() != nil {
		w.CloseInput(nil)
		return
	}

	if err != nil {
		w.CloseInput(errors.Wrapf(errors.ErrCodeTickSourceUnavailable, err,
			"tick feed %s failed after %d reconnect attempts", w.config.URL, w.config.MaxReconnects))
		return
	}

	w.CloseInput(nil)
}

func (w *WebsocketSource) readUntilDisconnect(ctx context.Context) error {
	conn, err := w.dial(w.config.URL)
	if err != nil {
		w.log.Warn("tick feed connect failed, will retry",
			zap.String("url", w.config.URL),
			zap.Error(err),
		)

		return err
	}
	defer conn.Close()

	w.log.Info("tick feed connected", zap.String("url", w.config.URL))

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}

			w.log.Warn("tick feed disconnected, will retry", zap.Error(err))

			return err
		}

		tick, err := parseWireTick(message)
		if err != nil {
			// A malformed message is not worth a reconnect; skip it.
			w.log.Warn("skipping malformed tick", zap.Error(err))
			continue
		}

		w.Publish(tick)
	}
}

func parseWireTick(message []byte) (types.Tick, error) {
	var wire wireTick
	if err := json.Unmarshal(message, &wire); err != nil {
		return types.Tick{}, errors.Wrap(errors.ErrCodeTickParseFailed, "invalid tick message", err)
	}

	bid, err := decimal.NewFromString(wire.Bid)
	if err != nil {
		return types.Tick{}, errors.Wrapf(errors.ErrCodeTickParseFailed, err, "invalid bid %q", wire.Bid)
	}

	ask, err := decimal.NewFromString(wire.Ask)
	if err != nil {
		return types.Tick{}, errors.Wrapf(errors.ErrCodeTickParseFailed, err, "invalid ask %q", wire.Ask)
	}

	return types.NewTick(wire.Instrument, wire.Timestamp, bid, ask), nil
}
