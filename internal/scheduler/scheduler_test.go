package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
	"github.com/sqlpulse/sqlpulse/internal/collector"
	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/pipeline"
	"github.com/sqlpulse/sqlpulse/internal/testutil"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []time.Time

	sleep  time.Duration
	events []model.Event
	stats  collector.Stats
	err    error

	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (f *fakeRunner) Run(ctx context.Context, entry catalog.Entry) ([]model.Event, collector.Stats, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.mu.Unlock()

	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return nil, collector.Stats{}, ctx.Err()
		}
	}
	return f.events, f.stats, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeAppender struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (f *fakeAppender) Add(events ...model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testEntry(name string, interval time.Duration) catalog.Entry {
	return catalog.Entry{
		Name:     name,
		Query:    "SELECT 1",
		Kind:     catalog.KindSingleRow,
		Interval: interval,
		Enabled:  true,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestFirstRunFiresImmediately(t *testing.T) {
	runner := &fakeRunner{events: []model.Event{{Source: "uptime"}}}
	appender := &fakeAppender{}
	entries := []catalog.Entry{testEntry("uptime", time.Hour)}

	s := New(runner, appender, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 2*time.Second, func() bool { return runner.count() == 1 })
	waitUntil(t, 2*time.Second, func() bool { return appender.count() == 1 })

	snap := s.Snapshot()
	require.Contains(t, snap, "uptime")
	state := snap["uptime"]
	assert.Equal(t, model.RunSuccess, state.LastStatus)
	assert.EqualValues(t, 1, state.Runs)
	assert.False(t, state.LastRunAt.IsZero())
}

func TestRunsSpacedByInterval(t *testing.T) {
	runner := &fakeRunner{}
	entries := []catalog.Entry{testEntry("spaced", 60 * time.Millisecond)}

	s := New(runner, &fakeAppender{}, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 2*time.Second, func() bool { return runner.count() >= 3 })

	calls := runner.callTimes()
	for i := 1; i < 3; i++ {
		gap := calls[i].Sub(calls[i-1])
		assert.GreaterOrEqual(t, gap, 50*time.Millisecond, "runs %d and %d too close", i-1, i)
	}
}

func TestOverrunRecordsSkippedTicks(t *testing.T) {
	// Each run takes ~2.5 intervals, so every completion should record two
	// skipped ticks and schedule a fresh full interval.
	runner := &fakeRunner{sleep: 125 * time.Millisecond}
	entries := []catalog.Entry{testEntry("slow", 50 * time.Millisecond)}

	s := New(runner, &fakeAppender{}, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 3*time.Second, func() bool { return runner.count() >= 2 })

	snap := s.Snapshot()
	state := snap["slow"]
	assert.GreaterOrEqual(t, state.Skips, int64(2))
	assert.EqualValues(t, 1, runner.maxSeen.Load(), "runs must never overlap")
}

func TestRunFailureRecorded(t *testing.T) {
	runner := &fakeRunner{err: &collector.QueryError{Entry: "failing", Err: errors.New("table gone")}}
	entries := []catalog.Entry{testEntry("failing", time.Hour)}

	s := New(runner, &fakeAppender{}, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 2*time.Second, func() bool { return runner.count() == 1 })
	waitUntil(t, 2*time.Second, func() bool {
		return s.Snapshot()["failing"].LastStatus == model.RunFailure
	})

	state := s.Snapshot()["failing"]
	assert.EqualValues(t, 1, state.Failures)
	assert.Contains(t, state.LastError, "table gone")
}

func TestPartialEventsDeliveredOnFailure(t *testing.T) {
	runner := &fakeRunner{
		events: []model.Event{{Source: "partial"}, {Source: "partial"}},
		stats:  collector.Stats{Rows: 3, Events: 2, Dropped: 1},
		err:    &collector.QueryError{Entry: "partial", Err: errors.New("scan blew up")},
	}
	appender := &fakeAppender{}
	entries := []catalog.Entry{testEntry("partial", time.Hour)}

	s := New(runner, appender, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 2*time.Second, func() bool { return appender.count() == 2 })
	waitUntil(t, 2*time.Second, func() bool {
		return s.Snapshot()["partial"].LastStatus == model.RunFailure
	})

	state := s.Snapshot()["partial"]
	assert.EqualValues(t, 1, state.DroppedRows)
}

func TestBackpressureCountsAsFailure(t *testing.T) {
	runner := &fakeRunner{events: []model.Event{{Source: "pressed"}}}
	appender := &fakeAppender{err: fmt.Errorf("%w (500 events buffered)", pipeline.ErrBackpressure)}
	entries := []catalog.Entry{testEntry("pressed", time.Hour)}

	s := New(runner, appender, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 2*time.Second, func() bool {
		return s.Snapshot()["pressed"].LastStatus == model.RunFailure
	})

	state := s.Snapshot()["pressed"]
	assert.EqualValues(t, 1, state.Failures)
	assert.Contains(t, state.LastError, "backpressure")
}

func TestStopInterruptsSlowRun(t *testing.T) {
	runner := &fakeRunner{sleep: time.Minute}
	entries := []catalog.Entry{testEntry("stuck", time.Hour)}

	s := New(runner, &fakeAppender{}, entries, testutil.TestLogger())
	s.Start(context.Background())

	waitUntil(t, 2*time.Second, func() bool { return runner.count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	s.Stop(ctx)
	assert.Less(t, time.Since(start), time.Second, "stop should interrupt the in-flight run")

	// A run cut short by shutdown is not the entry's fault.
	state := s.Snapshot()["stuck"]
	assert.Equal(t, model.RunSkipped, state.LastStatus)
	assert.EqualValues(t, 0, state.Failures)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	s := New(&fakeRunner{}, &fakeAppender{}, nil, testutil.TestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx) // must not panic or hang
}

func TestDoubleStartIgnored(t *testing.T) {
	runner := &fakeRunner{}
	entries := []catalog.Entry{testEntry("once", time.Hour)}

	s := New(runner, &fakeAppender{}, entries, testutil.TestLogger())
	s.Start(context.Background())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 2*time.Second, func() bool { return runner.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.count(), "second Start must not spawn duplicate loops")
}

func TestSnapshotReturnsCopies(t *testing.T) {
	runner := &fakeRunner{}
	entries := []catalog.Entry{testEntry("copied", time.Hour)}

	s := New(runner, &fakeAppender{}, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 2*time.Second, func() bool { return runner.count() == 1 })

	snap := s.Snapshot()
	mutated := snap["copied"]
	mutated.Failures = 99
	snap["copied"] = mutated

	assert.EqualValues(t, 0, s.Snapshot()["copied"].Failures)
}

func TestEntriesRunIndependently(t *testing.T) {
	slow := &fakeRunner{sleep: 10 * time.Second}
	// One scheduler, two entries sharing a runner would serialize on the fake's
	// bookkeeping only; use the call log to tell entries apart instead.
	var mu sync.Mutex
	counts := map[string]int{}
	runner := runnerFunc(func(ctx context.Context, entry catalog.Entry) ([]model.Event, collector.Stats, error) {
		mu.Lock()
		counts[entry.Name]++
		mu.Unlock()
		if entry.Name == "glacial" {
			return slow.Run(ctx, entry)
		}
		return nil, collector.Stats{}, nil
	})

	entries := []catalog.Entry{
		testEntry("glacial", 50 * time.Millisecond),
		testEntry("brisk", 50 * time.Millisecond),
	}
	s := New(runner, &fakeAppender{}, entries, testutil.TestLogger())
	s.Start(context.Background())
	defer stopScheduler(t, s)

	waitUntil(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["brisk"] >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["glacial"], "stuck entry must not rerun while in flight")
}

type runnerFunc func(ctx context.Context, entry catalog.Entry) ([]model.Event, collector.Stats, error)

func (f runnerFunc) Run(ctx context.Context, entry catalog.Entry) ([]model.Event, collector.Stats, error) {
	return f(ctx, entry)
}

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}
