// Package ticks provides the tick data source contract and its
// implementations: in-memory slices for backtests, DuckDB-backed CSV files,
// and channel/websocket/binance adapters for live streams.
package ticks

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gridflow-lab/gridflow/internal/types"
)

// Source yields non-empty batches of ticks. Ticks within a batch preserve
// arrival order; no ordering guarantee is required across batches. Next
// returns io.EOF when the stream is exhausted. Close is idempotent.
type Source interface {
	Next(ctx context.Context) ([]types.Tick, error)
	Close() error
}

// SliceSource serves a fixed tick slice in batches. It backs backtests and
// tests.
type SliceSource struct {
	ticks     []types.Tick
	batchSize int
	offset    int
	closed    bool
	mu        sync.Mutex
}

// NewSliceSource creates a SliceSource with the given batch size.
func NewSliceSource(ticks []types.Tick, batchSize int) *SliceSource {
	if batchSize < 1 {
		batchSize = 1
	}

	return &SliceSource{
		ticks:     ticks,
		batchSize: batchSize,
	}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) ([]types.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.offset >= len(s.ticks) {
		return nil, io.EOF
	}

	end := s.offset + s.batchSize
	if end > len(s.ticks) {
		end = len(s.ticks)
	}

	batch := s.ticks[s.offset:end]
	s.offset = end

	return batch, nil
}

// Close implements Source.
func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	return nil
}

// ChannelSource adapts a push-style tick feed into the batch-pull Source
// contract. A batch is yielded when the batch-size threshold is reached or
// when the idle timeout fires with buffered ticks.
type ChannelSource struct {
	input       chan types.Tick
	batchSize   int
	idleTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	inputErr  error
	pending   []types.Tick
}

// NewChannelSource creates a ChannelSource.
func NewChannelSource(batchSize int, idleTimeout time.Duration) *ChannelSource {
	if batchSize < 1 {
		batchSize = 1
	}

	if idleTimeout <= 0 {
		idleTimeout = time.Second
	}

	return &ChannelSource{
		input:       make(chan types.Tick, batchSize*4),
		batchSize:   batchSize,
		idleTimeout: idleTimeout,
	}
}

// Publish pushes a tick into the source. It blocks when the internal buffer
// is full, providing natural backpressure on the feed.
func (c *ChannelSource) Publish(tick types.Tick) {
	c.input <- tick
}

// CloseInput signals end of stream, optionally recording a fatal feed
// error. After the buffer drains, Next returns the error, or io.EOF when
// err is nil.
func (c *ChannelSource) CloseInput(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.inputErr = err
		c.mu.Unlock()
		close(c.input)
	})
}

// Next implements Source. It blocks until a batch is ready, the stream
// ends, or the context is cancelled.
func (c *ChannelSource) Next(ctx context.Context) ([]types.Tick, error) {
	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case tick, ok := <-c.input:
			if !ok {
				return c.drain()
			}

			c.pending = append(c.pending, tick)
			if len(c.pending) >= c.batchSize {
				return c.flush(), nil
			}
		case <-timer.C:
			if len(c.pending) > 0 {
				return c.flush(), nil
			}
			// Nothing buffered yet; keep waiting for the feed.
			timer.Reset(c.idleTimeout)
		}
	}
}

// Close implements Source.
func (c *ChannelSource) Close() error {
	c.CloseInput(nil)

	return nil
}

func (c *ChannelSource) flush() []types.Tick {
	batch := c.pending
	c.pending = nil

	return batch
}

func (c *ChannelSource) drain() ([]types.Tick, error) {
	if len(c.pending) > 0 {
		return c.flush(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputErr != nil {
		return nil, c.inputErr
	}

	return nil, io.EOF
}
