// Package scheduler drives periodic collection. Each enabled catalog entry
// gets its own loop: the first run fires immediately, later runs are spaced
// one interval from the previous run's start, and a run that overruns its
// interval records the missed ticks and reschedules from its completion.
// Entries are independent; a slow query never delays the others.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
	"github.com/sqlpulse/sqlpulse/internal/collector"
	"github.com/sqlpulse/sqlpulse/internal/model"
)

// Runner executes one catalog entry. *collector.Collector satisfies it.
type Runner interface {
	Run(ctx context.Context, entry catalog.Entry) ([]model.Event, collector.Stats, error)
}

// Appender buffers events for batching. *pipeline.Batcher satisfies it.
type Appender interface {
	Add(events ...model.Event) error
}

// entryLoop owns one catalog entry's schedule and run state.
type entryLoop struct {
	entry   catalog.Entry
	running atomic.Bool // guard against overlapping runs of the same entry

	mu    sync.Mutex
	state model.RunState
}

// Scheduler fans catalog entries out to per-entry loops.
type Scheduler struct {
	runner   Runner
	appender Appender
	logger   *slog.Logger

	loops map[string]*entryLoop

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates a scheduler over the enabled entries.
func New(runner Runner, appender Appender, entries []catalog.Entry, logger *slog.Logger) *Scheduler {
	loops := make(map[string]*entryLoop, len(entries))
	for _, entry := range entries {
		loops[entry.Name] = &entryLoop{entry: entry}
	}
	return &Scheduler{
		runner:   runner,
		appender: appender,
		logger:   logger,
		loops:    loops,
		done:     make(chan struct{}),
	}
}

// Start launches one goroutine per entry. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, loop := range s.loops {
		s.wg.Add(1)
		go func(l *entryLoop) {
			defer s.wg.Done()
			s.run(loopCtx, l)
		}(loop)
	}
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// Stop cancels all entry loops and waits for them to finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out waiting for entry loops")
	}
}

// Snapshot returns a copy of every entry's run state, keyed by entry name.
func (s *Scheduler) Snapshot() map[string]model.RunState {
	out := make(map[string]model.RunState, len(s.loops))
	for name, loop := range s.loops {
		loop.mu.Lock()
		out[name] = loop.state
		loop.mu.Unlock()
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, l *entryLoop) {
	interval := l.entry.Interval

	timer := time.NewTimer(0) // first run fires immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		s.runOnce(ctx, l, start)
		if ctx.Err() != nil {
			return
		}

		// Space runs one interval from the previous start. An overrun has
		// eaten one or more ticks: record them and schedule a full interval
		// from completion so consecutive runs never pile up.
		elapsed := time.Since(start)
		next := interval - elapsed
		if next <= 0 {
			skipped := int64(elapsed / interval)
			l.mu.Lock()
			l.state.Skips += skipped
			l.mu.Unlock()
			s.logger.Warn("scheduler: run overran its interval, skipping ticks",
				"entry", l.entry.Name,
				"elapsed", elapsed,
				"interval", interval,
				"skipped", skipped,
			)
			next = interval
		}
		timer.Reset(next)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, l *entryLoop, start time.Time) {
	if !l.running.CompareAndSwap(false, true) {
		// Cannot happen with a single-owner loop; kept as a tripwire.
		s.logger.Error("scheduler: overlapping run suppressed", "entry", l.entry.Name)
		return
	}
	defer l.running.Store(false)

	events, stats, err := s.runner.Run(ctx, l.entry)

	// Deliver whatever the run produced, even on partial failure.
	if len(events) > 0 {
		if addErr := s.appender.Add(events...); addErr != nil {
			events = nil
			if err == nil {
				err = addErr
			}
			s.logger.Warn("scheduler: batcher rejected events",
				"entry", l.entry.Name,
				"count", stats.Events,
				"error", addErr,
			)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.LastRunAt = start
	l.state.Runs++
	l.state.DroppedRows += int64(stats.Dropped)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the run; not a failure of the entry.
			l.state.LastStatus = model.RunSkipped
			l.state.Skips++
			return
		}
		l.state.LastStatus = model.RunFailure
		l.state.LastError = err.Error()
		l.state.Failures++
		s.logger.Error("scheduler: run failed",
			"entry", l.entry.Name,
			"elapsed", stats.Elapsed,
			"error", err,
		)
		return
	}
	l.state.LastStatus = model.RunSuccess
	l.state.LastError = ""
	s.logger.Debug("scheduler: run completed",
		"entry", l.entry.Name,
		"rows", stats.Rows,
		"events", len(events),
		"dropped", stats.Dropped,
		"elapsed", stats.Elapsed,
	)
}
