package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
	"github.com/sqlpulse/sqlpulse/internal/testutil"
)

func newTestCollector(t *testing.T, cfg Config) (*Collector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, testutil.TestLogger(), cfg), mock
}

func TestRunMultipleRows(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{
		Name:  "sessions",
		Query: "SELECT user, conns FROM sessions",
		Kind:  catalog.KindMultipleRows,
	}
	mock.ExpectQuery(entry.Query).WillReturnRows(
		sqlmock.NewRows([]string{"user", "conns"}).
			AddRow("alice", int64(3)).
			AddRow("bob", int64(1)))

	events, stats, err := c.Run(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "sessions", events[0].Source)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, map[string]any{"user": "alice", "conns": int64(3)}, events[0].Fields)
	assert.Equal(t, map[string]any{"user": "bob", "conns": int64(1)}, events[1].Fields)

	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, 2, stats.Events)
	assert.Equal(t, 0, stats.Dropped)
}

func TestRunSingleRowIgnoresExtraRows(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{
		Name:  "version",
		Query: "SELECT version()",
		Kind:  catalog.KindSingleRow,
	}
	mock.ExpectQuery(entry.Query).WillReturnRows(
		sqlmock.NewRows([]string{"version"}).
			AddRow("8.4.0").
			AddRow("ignored"))

	events, stats, err := c.Run(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{"version": "8.4.0"}, events[0].Fields)
	assert.Equal(t, 1, stats.Rows)
}

func TestRunTwoColumns(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{
		Name:  "status",
		Query: "SHOW GLOBAL STATUS",
		Kind:  catalog.KindTwoColumns,
	}
	mock.ExpectQuery(entry.Query).WillReturnRows(
		sqlmock.NewRows([]string{"Variable_name", "Value"}).
			AddRow("Uptime", "86400").
			AddRow("Threads_running", "7").
			AddRow("Version", "8.4.0"))

	events, stats, err := c.Run(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{
		"Uptime":          int64(86400),
		"Threads_running": int64(7),
		"Version":         "8.4.0",
	}, events[0].Fields)
	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, 1, stats.Events)
}

func TestRunTwoColumnsEmptyResult(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{Name: "status", Query: "SHOW GLOBAL STATUS", Kind: catalog.KindTwoColumns}
	mock.ExpectQuery(entry.Query).WillReturnRows(sqlmock.NewRows([]string{"Variable_name", "Value"}))

	events, _, err := c.Run(context.Background(), entry)
	require.NoError(t, err)
	assert.Empty(t, events, "no event when nothing folded in")
}

func TestRunTwoColumnsNeedsTwoColumns(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{Name: "broken", Query: "SELECT 1", Kind: catalog.KindTwoColumns}
	mock.ExpectQuery(entry.Query).WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(int64(1)))

	_, _, err := c.Run(context.Background(), entry)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "broken", qe.Entry)
}

func TestRunDeltaRates(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	entry := catalog.Entry{
		Name:  "traffic",
		Query: "SELECT bytes__DELTA FROM traffic",
		Kind:  catalog.KindSingleRow,
	}
	run := func(v int64) map[string]any {
		t.Helper()
		mock.ExpectQuery(entry.Query).WillReturnRows(
			sqlmock.NewRows([]string{"bytes__DELTA"}).AddRow(v))
		events, _, err := c.Run(context.Background(), entry)
		require.NoError(t, err)
		require.Len(t, events, 1)
		return events[0].Fields
	}

	// First observation: raw value only, no rate yet.
	fields := run(100)
	assert.Equal(t, map[string]any{"bytes": int64(100)}, fields)

	current = current.Add(10 * time.Second)
	fields = run(300)
	assert.Equal(t, int64(300), fields["bytes"])
	assert.Equal(t, int64(20), fields["bytes_per_second"])

	// Counter reset: no rate this run, state moves forward.
	current = current.Add(10 * time.Second)
	fields = run(50)
	assert.Equal(t, int64(50), fields["bytes"])
	assert.NotContains(t, fields, "bytes_per_second")

	current = current.Add(10 * time.Second)
	fields = run(150)
	assert.Equal(t, int64(10), fields["bytes_per_second"])
}

func TestRunDeltaFloatRates(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	entry := catalog.Entry{
		Name:  "load",
		Query: "SELECT cpu_seconds__DELTA FROM load",
		Kind:  catalog.KindSingleRow,
	}
	mock.ExpectQuery(entry.Query).WillReturnRows(
		sqlmock.NewRows([]string{"cpu_seconds__DELTA"}).AddRow(1.5))
	_, _, err := c.Run(context.Background(), entry)
	require.NoError(t, err)

	current = current.Add(10 * time.Second)
	mock.ExpectQuery(entry.Query).WillReturnRows(
		sqlmock.NewRows([]string{"cpu_seconds__DELTA"}).AddRow(4.5))
	events, _, err := c.Run(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.InDelta(t, 0.3, events[0].Fields["cpu_seconds_per_second"], 1e-9)
}

func TestRunDeltaStateIsPerEntry(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	a := catalog.Entry{Name: "a", Query: "SELECT n__DELTA FROM a", Kind: catalog.KindSingleRow}
	b := catalog.Entry{Name: "b", Query: "SELECT n__DELTA FROM b", Kind: catalog.KindSingleRow}

	mock.ExpectQuery(a.Query).WillReturnRows(sqlmock.NewRows([]string{"n__DELTA"}).AddRow(int64(100)))
	_, _, err := c.Run(context.Background(), a)
	require.NoError(t, err)

	// First run of b must not see a's previous observation.
	current = current.Add(10 * time.Second)
	mock.ExpectQuery(b.Query).WillReturnRows(sqlmock.NewRows([]string{"n__DELTA"}).AddRow(int64(500)))
	events, _, err := c.Run(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Fields, "n_per_second")
}

func TestRunTypedValues(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	when := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	entry := catalog.Entry{
		Name:  "typed",
		Query: "SELECT * FROM typed",
		Kind:  catalog.KindMultipleRows,
	}
	mock.ExpectQuery(entry.Query).WillReturnRows(
		sqlmock.NewRows([]string{"i", "f", "b", "s", "t", "n"}).
			AddRow([]byte("12"), []byte("3.5"), []byte("true"), []byte("hello"), when, nil))

	events, _, err := c.Run(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{
		"i": int64(12),
		"f": 3.5,
		"b": true,
		"s": "hello",
		"t": "2026-01-10T09:30:00Z",
		"n": nil,
	}, events[0].Fields)
}

func TestRunDropsUnmappableRow(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{
		Name:  "mixed",
		Query: "SELECT v FROM mixed",
		Kind:  catalog.KindMultipleRows,
	}
	mock.ExpectQuery(entry.Query).WillReturnRows(
		sqlmock.NewRows([]string{"v"}).
			AddRow(int64(1)).
			AddRow(struct{ X int }{42}).
			AddRow(int64(3)))

	events, stats, err := c.Run(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 2, stats.Events)
}

func TestRunQueryError(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{Name: "broken", Query: "SELECT nope", Kind: catalog.KindMultipleRows}
	mock.ExpectQuery(entry.Query).WillReturnError(errors.New("connection refused"))

	_, _, err := c.Run(context.Background(), entry)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "broken", qe.Entry)
	assert.ErrorContains(t, err, "connection refused")
}

func TestRunTimeout(t *testing.T) {
	c, mock := newTestCollector(t, Config{QueryTimeout: 20 * time.Millisecond})
	entry := catalog.Entry{Name: "slow", Query: "SELECT SLEEP(10)", Kind: catalog.KindMultipleRows}
	mock.ExpectQuery(entry.Query).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}))

	_, _, err := c.Run(context.Background(), entry)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.Entry)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCancelledContextPassesThrough(t *testing.T) {
	c, mock := newTestCollector(t, Config{})
	entry := catalog.Entry{Name: "any", Query: "SELECT 1", Kind: catalog.KindMultipleRows}
	mock.ExpectQuery(entry.Query).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Run(ctx, entry)
	require.ErrorIs(t, err, context.Canceled)
	var qe *QueryError
	assert.False(t, errors.As(err, &qe), "shutdown is not a query failure")
}

func TestParseScalar(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.14", 3.14},
		{"true", true},
		{"0x10", "0x10"},
		{"8.4.0", "8.4.0"},
		{"", ""},
	} {
		if got := parseScalar(tt.in); got != tt.want {
			t.Errorf("parseScalar(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
