// Package telemetry buffers per-query timing samples on the execution path and
// persists them in batches from a background flusher.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// Buffer sizing and flush defaults.
const (
	defaultMaxSize        = 10000
	defaultFlushInterval  = 10 * time.Second
	defaultFlushThreshold = 1000
	flushTimeout          = 30 * time.Second
)

// Store is the persistence interface the buffer flushes into.
type Store interface {
	InsertSamples(ctx context.Context, samples []storage.QuerySample) error
}

type (
	// Buffer accepts samples with O(1) latency and never blocks on I/O.
	//
	// When the stats_collection switch is off, samples are dropped and counted,
	// not errored. When the buffer is full (backing store unavailable beyond a
	// bound), the oldest samples are dropped, counted, and a warning logged.
	Buffer struct {
		mu      sync.Mutex
		samples []storage.QuerySample

		store    Store
		switches *switches.Switches
		logger   *slog.Logger

		maxSize        int
		flushThreshold int

		accepted      atomic.Int64
		dropped       atomic.Int64
		flushFailures atomic.Int64

		flushNow  chan struct{} // nudges the flusher when the threshold is crossed
		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}

	// Option configures optional Buffer behavior.
	Option func(*Buffer)
)

// WithMaxSize overrides the buffer capacity.
func WithMaxSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxSize = n
		}
	}
}

// WithFlushThreshold overrides the size at which the flusher is nudged early.
func WithFlushThreshold(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.flushThreshold = n
		}
	}
}

// NewBuffer creates a telemetry buffer and starts its background flusher.
// Callers must Close() on shutdown so buffered samples are flushed.
func NewBuffer(store Store, sw *switches.Switches, logger *slog.Logger, interval time.Duration, opts ...Option) *Buffer {
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	b := &Buffer{
		store:          store,
		switches:       sw,
		logger:         logger,
		maxSize:        defaultMaxSize,
		flushThreshold: defaultFlushThreshold,
		flushNow:       make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.samples = make([]storage.QuerySample, 0, b.maxSize)

	go b.runFlusher(interval)

	return b
}

// Record accepts one sample. Never blocks on I/O; drops (and counts) when
// stats collection is disabled or the buffer is saturated.
func (b *Buffer) Record(sample storage.QuerySample) {
	if !b.switches.Enabled(switches.StatsCollection) {
		b.dropped.Add(1)

		return
	}

	if sample.DurationMs < 0 {
		// Clock skew or a caller bug; a negative duration would poison the
		// aggregates the advisor reads.
		b.dropped.Add(1)

		b.logger.Warn("dropping sample with negative duration",
			slog.String("table", sample.Table),
			slog.Float64("duration_ms", sample.DurationMs))

		return
	}

	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}

	var nudge bool

	b.mu.Lock()

	if len(b.samples) >= b.maxSize {
		// Backing store is behind; shed the oldest sample to stay bounded.
		copy(b.samples, b.samples[1:])
		b.samples = b.samples[:len(b.samples)-1]
		b.dropped.Add(1)

		b.logger.Warn("telemetry buffer saturated, dropping oldest sample",
			slog.Int("capacity", b.maxSize),
			slog.Int64("total_dropped", b.dropped.Load()))
	}

	b.samples = append(b.samples, sample)
	b.accepted.Add(1)
	nudge = len(b.samples) >= b.flushThreshold
	b.mu.Unlock()

	if nudge {
		select {
		case b.flushNow <- struct{}{}:
		default:
		}
	}
}

// Flush atomically drains the buffer and writes the drained samples in one
// batched insert. On failure the samples are requeued (within capacity) for
// the next tick; telemetry loss is acceptable and counted.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.samples) == 0 {
		b.mu.Unlock()

		return nil
	}

	batch := b.samples
	b.samples = make([]storage.QuerySample, 0, b.maxSize)
	b.mu.Unlock()

	if err := b.store.InsertSamples(ctx, batch); err != nil {
		b.flushFailures.Add(1)
		b.requeue(batch)

		b.logger.Error("telemetry flush failed, will retry at next tick",
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()))

		return err
	}

	b.logger.Debug("flushed telemetry batch", slog.Int("batch_size", len(batch)))

	return nil
}

// requeue puts a failed batch back at the head of the buffer, dropping the
// oldest samples if the combined size exceeds capacity.
func (b *Buffer) requeue(batch []storage.QuerySample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	combined := len(batch) + len(b.samples)
	if combined > b.maxSize {
		overflow := combined - b.maxSize
		if overflow >= len(batch) {
			b.dropped.Add(int64(len(batch)))

			return
		}

		b.dropped.Add(int64(overflow))
		batch = batch[overflow:]
	}

	b.samples = append(batch, b.samples...)
}

// Stats returns (accepted, dropped, flushFailures) counters.
func (b *Buffer) Stats() (accepted, dropped, flushFailures int64) {
	return b.accepted.Load(), b.dropped.Load(), b.flushFailures.Load()
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.samples)
}

// Close stops the flusher and performs a final flush. Safe to call multiple
// times; must be called on graceful shutdown.
func (b *Buffer) Close() error {
	var err error

	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()

		err = b.Flush(ctx)
	})

	return err
}

// runFlusher flushes on a timer and when the size threshold is crossed.
func (b *Buffer) runFlusher(interval time.Duration) {
	defer close(b.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		case <-b.flushNow:
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		_ = b.Flush(ctx) // failure already logged and counted; retried next tick
		cancel()
	}
}
