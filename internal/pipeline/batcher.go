// Package pipeline groups collected events into sealed batches for
// publication. Events accumulate in memory and are sealed into a batch when
// either the size threshold or the age threshold is reached; sealed batches
// travel through a bounded FIFO queue so a slow publisher pushes back on
// collection instead of growing the heap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/telemetry"
)

// Defaults for the batcher tunables.
const (
	DefaultMaxBatchSize = 500
	DefaultMaxBatchAge  = 10 * time.Second
	DefaultCapacity     = 10_000
	DefaultQueueDepth   = 4
)

// ErrBackpressure is returned by Add when the buffer has hit its hard
// capacity. The caller records the cycle as failed and retries on the next
// tick; events are never silently discarded on this path.
var ErrBackpressure = errors.New("pipeline: batcher at capacity")

// Config carries the batcher tunables. Zero fields fall back to defaults.
type Config struct {
	// MaxBatchSize seals a batch as soon as this many events are buffered.
	MaxBatchSize int
	// MaxBatchAge seals a partial batch this long after its first event.
	MaxBatchAge time.Duration
	// Capacity is the hard cap on buffered events before Add rejects.
	Capacity int
	// QueueDepth is the length of the sealed batch queue.
	QueueDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = DefaultMaxBatchAge
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}

// Batcher accumulates events and seals them into batches on size or age.
type Batcher struct {
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	events  []model.Event
	firstAt time.Time // arrival of the oldest unsealed event

	droppedEvents atomic.Int64 // events lost at the drain deadline
	sealedBatches atomic.Int64

	out        chan model.Batch
	flushCh    chan struct{}
	done       chan struct{}
	started    atomic.Bool
	cancelLoop context.CancelFunc // cancels the sealLoop goroutine
	drainCtx   context.Context    // set by Drain so the final seal respects the caller's deadline
}

// New creates a batcher. Call Start to begin sealing.
func New(logger *slog.Logger, cfg Config) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		logger:  logger,
		cfg:     cfg,
		out:     make(chan model.Batch, cfg.QueueDepth),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the background seal loop and registers OTEL metrics.
// Call Drain to stop. Subsequent calls are no-ops.
func (b *Batcher) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.sealLoop(loopCtx)
}

// Out returns the sealed batch queue. It is closed after Drain completes.
func (b *Batcher) Out() <-chan model.Batch { return b.out }

// Add buffers events for the next batch. Returns ErrBackpressure when the
// buffer is at hard capacity, which means the publisher has been unable to
// keep up for a while.
func (b *Batcher) Add(events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events)+len(events) > b.cfg.Capacity {
		return fmt.Errorf("%w (%d events buffered)", ErrBackpressure, len(b.events))
	}

	if len(b.events) == 0 {
		b.firstAt = time.Now()
	}
	b.events = append(b.events, events...)

	if len(b.events) >= b.cfg.MaxBatchSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Batcher) sealLoop(ctx context.Context) {
	// The age check runs on a short ticker rather than one per batch, so a
	// partial batch is sealed within a fraction of MaxBatchAge past ripeness.
	interval := b.cfg.MaxBatchAge / 4
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final seal using the drain context provided by Drain().
			// We need a non-cancelled context because ctx is already done.
			drainCtx := b.drainCtx
			if drainCtx == nil {
				// Fallback for direct cancellation without Drain (e.g., tests).
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.seal(drainCtx)

			b.mu.Lock()
			if n := len(b.events); n > 0 {
				b.droppedEvents.Add(int64(n))
				b.logger.Error("pipeline: dropping events at drain deadline", "dropped", n)
				b.events = nil
			}
			b.mu.Unlock()

			close(b.out)
			close(b.done)
			return
		case <-ticker.C:
			b.mu.Lock()
			ripe := !b.firstAt.IsZero() && time.Since(b.firstAt) >= b.cfg.MaxBatchAge
			b.mu.Unlock()
			if ripe {
				b.seal(ctx)
			}
		case <-b.flushCh:
			b.seal(ctx)
		}
	}
}

// seal moves buffered events into batches of at most MaxBatchSize and hands
// them to the queue, blocking while the queue is full. On ctx expiry the
// unsent chunk is put back so a later seal (or the drain accounting) sees it.
func (b *Batcher) seal(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.events) == 0 {
			b.mu.Unlock()
			return
		}
		n := min(len(b.events), b.cfg.MaxBatchSize)
		events := b.events[:n:n]
		b.events = b.events[n:]
		prevFirst := b.firstAt
		if len(b.events) == 0 {
			b.events = nil
			b.firstAt = time.Time{}
		}
		b.mu.Unlock()

		batch := model.Batch{
			ID:       uuid.New(),
			SealedAt: time.Now().UTC(),
			Events:   events,
		}

		select {
		case b.out <- batch:
			b.sealedBatches.Add(1)
			b.logger.Debug("pipeline: batch sealed",
				"batch_id", batch.ID,
				"events", len(events),
			)
		case <-ctx.Done():
			// Put the chunk back for retry or drain accounting.
			b.mu.Lock()
			b.events = append(events, b.events...)
			if b.firstAt.IsZero() {
				b.firstAt = prevFirst
			}
			b.mu.Unlock()
			return
		}
	}
}

// Drain signals the seal loop to stop, waits for the final seal and the
// queue close, and returns. The ctx deadline bounds both the final hand-off
// and the wait; anything still unsent at the deadline is counted as dropped.
func (b *Batcher) Drain(ctx context.Context) {
	if !b.started.Load() {
		return
	}
	b.drainCtx = ctx // Store so sealLoop's final seal respects the caller's deadline.
	if b.cancelLoop != nil {
		b.cancelLoop() // Signal sealLoop to exit; it seals the remainder before closing b.done.
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("pipeline: drain timed out waiting for seal loop")
	}
}

// registerMetrics registers observable OTEL gauges for batcher health.
// Called from Start() after the global meter provider has been initialized.
func (b *Batcher) registerMetrics() {
	meter := telemetry.Meter("sqlpulse/batcher")

	_, _ = meter.Int64ObservableGauge("sqlpulse.batcher.depth",
		metric.WithDescription("Current number of buffered events awaiting seal"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sqlpulse.batcher.queue_depth",
		metric.WithDescription("Sealed batches waiting for the publisher"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(b.out)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sqlpulse.batcher.dropped_total",
		metric.WithDescription("Total events dropped at the drain deadline"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered (unsealed) events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity returns the hard cap on buffered events.
func (b *Batcher) Capacity() int { return b.cfg.Capacity }

// SealedBatches returns the total number of batches handed to the queue.
func (b *Batcher) SealedBatches() int64 {
	return b.sealedBatches.Load()
}

// DroppedEvents returns the total number of events dropped at the drain
// deadline. A non-zero value indicates data loss during shutdown.
func (b *Batcher) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}
