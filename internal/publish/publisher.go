// Package publish delivers sealed batches to the downstream collection
// pipeline. Delivery is at-least-once: a batch is retried with exponential
// backoff until it is acknowledged, rejected as permanent, or the drain
// deadline passes. The publisher reads nothing further while it retries, so
// back-pressure propagates to the batcher through the bounded queue.
package publish

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/telemetry"
)

// Defaults for the retry schedule.
const (
	DefaultRetryBase      = time.Second
	DefaultRetryCap       = 60 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// Sink sends one batch downstream. Implementations classify their failures
// with Transient and Permanent.
type Sink interface {
	Publish(ctx context.Context, batch model.Batch) error
}

// Config carries the publisher tunables. Zero fields fall back to defaults.
type Config struct {
	// RetryBase is the first backoff delay after a transient failure.
	RetryBase time.Duration
	// RetryCap bounds the doubled backoff delay.
	RetryCap time.Duration
	// AttemptTimeout bounds a single send.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = DefaultRetryCap
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// Publisher consumes the sealed batch queue and drives the sink.
type Publisher struct {
	sink   Sink
	in     <-chan model.Batch
	logger *slog.Logger
	cfg    Config

	published      atomic.Int64 // batches acknowledged
	discarded      atomic.Int64 // batches discarded on permanent failure
	droppedBatches atomic.Int64 // batches dropped at the drain deadline
	retries        atomic.Int64 // transient retry attempts

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to run for the final delivery pass
}

// New creates a publisher reading from in. The in channel must eventually be
// closed (the batcher closes it when drained); the drain deadline bounds
// delivery, not consumption.
func New(sink Sink, in <-chan model.Batch, logger *slog.Logger, cfg Config) *Publisher {
	return &Publisher{
		sink:    sink,
		in:      in,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

// Start begins the delivery loop. Subsequent calls are no-ops.
func (p *Publisher) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("publish: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.run(loopCtx)
}

// Drain signals the delivery loop to finish the queue under ctx's deadline
// and blocks until done or the context expires.
func (p *Publisher) Drain(ctx context.Context) {
	if !p.started.Load() {
		return
	}
	// Send the drain context to run via channel (race-free).
	// Must be sent before cancelLoop so run can receive it on ctx.Done().
	select {
	case p.drainCh <- ctx:
	default:
	}
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("publish: drain timed out")
	}
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.finalDrain(nil)
			return
		case batch, ok := <-p.in:
			if !ok {
				p.once.Do(func() { close(p.done) })
				return
			}
			if !p.deliver(ctx, batch) {
				// Cancelled mid-retry; the batch gets one more chance
				// under the drain deadline.
				p.finalDrain(&batch)
				return
			}
		}
	}
}

// finalDrain delivers the pending batch (if any) and everything still queued
// under the drain context. Batches that cannot be delivered by the deadline
// are dropped with an error log and counted; the agent still exits cleanly.
func (p *Publisher) finalDrain(pending *model.Batch) {
	var drainCtx context.Context
	select {
	case drainCtx = <-p.drainCh:
	default:
	}
	if drainCtx == nil {
		// Fallback for direct cancellation without Drain (e.g., tests).
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if pending != nil && !p.deliver(drainCtx, *pending) {
		p.dropBatch(*pending)
	}
	for batch := range p.in {
		if !p.deliver(drainCtx, batch) {
			p.dropBatch(batch)
		}
	}
	p.once.Do(func() { close(p.done) })
}

// deliver sends one batch, retrying transient failures with exponential
// backoff until acknowledged or ctx expires. Returns false only when the
// batch is still undelivered because the context ended; permanent discards
// count as handled.
func (p *Publisher) deliver(ctx context.Context, batch model.Batch) bool {
	backoff := p.cfg.RetryBase
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		err := p.sink.Publish(attemptCtx, batch)
		cancel()

		if err == nil {
			p.published.Add(1)
			if attempt > 1 {
				p.logger.Info("publish: batch delivered after retries",
					"batch_id", batch.ID,
					"attempts", attempt,
				)
			}
			return true
		}

		if IsPermanent(err) {
			p.discarded.Add(1)
			p.logger.Error("publish: discarding batch after permanent failure",
				"batch_id", batch.ID,
				"events", batch.Len(),
				"error", err,
			)
			return true
		}

		if ctx.Err() != nil {
			return false
		}

		p.retries.Add(1)
		p.logger.Warn("publish: transient failure, will retry",
			"batch_id", batch.ID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > p.cfg.RetryCap {
			backoff = p.cfg.RetryCap
		}
	}
}

func (p *Publisher) dropBatch(batch model.Batch) {
	p.droppedBatches.Add(1)
	p.logger.Error("publish: dropping batch at drain deadline",
		"batch_id", batch.ID,
		"events", batch.Len(),
	)
}

// registerMetrics registers observable OTEL gauges for publisher health.
func (p *Publisher) registerMetrics() {
	meter := telemetry.Meter("sqlpulse/publisher")

	_, _ = meter.Int64ObservableGauge("sqlpulse.publisher.published_total",
		metric.WithDescription("Batches acknowledged by the sink"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Published())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sqlpulse.publisher.discarded_total",
		metric.WithDescription("Batches discarded after a permanent sink failure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Discarded())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sqlpulse.publisher.dropped_total",
		metric.WithDescription("Batches dropped at the drain deadline"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.DroppedBatches())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sqlpulse.publisher.retries_total",
		metric.WithDescription("Transient delivery retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Retries())
			return nil
		}),
	)
}

// Published returns the number of batches acknowledged by the sink.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Discarded returns the number of batches discarded on permanent failure.
// A non-zero value indicates unrecoverable payloads were lost.
func (p *Publisher) Discarded() int64 { return p.discarded.Load() }

// DroppedBatches returns the number of batches dropped at the drain deadline.
func (p *Publisher) DroppedBatches() int64 { return p.droppedBatches.Load() }

// Retries returns the total number of transient retry attempts.
func (p *Publisher) Retries() int64 { return p.retries.Load() }
