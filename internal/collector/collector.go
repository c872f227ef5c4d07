// Package collector executes catalog queries and maps their result sets into
// typed events. Every failure mode here is non-fatal: query errors, timeouts,
// and unmappable rows are reported to the caller, recorded, and collection
// moves on.
package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
	"github.com/sqlpulse/sqlpulse/internal/model"
)

var tracer = otel.Tracer("sqlpulse/collector")

// DefaultQueryTimeout bounds a single query execution.
const DefaultQueryTimeout = 10 * time.Second

// Querier is the slice of database/sql the collector needs. *sqldb.DB and
// *sql.DB both satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Config carries the collector tunables.
type Config struct {
	// DeltaSuffix marks columns published as per-second rates between runs.
	DeltaSuffix string
	// QueryTimeout is the per-query deadline.
	QueryTimeout time.Duration
}

// Stats summarizes one run for the scheduler's bookkeeping.
type Stats struct {
	Rows    int
	Events  int
	Dropped int
	Elapsed time.Duration
}

// Collector turns catalog entries into events. Safe for concurrent use; the
// per-entry schedulers share one instance so delta state survives across runs.
type Collector struct {
	db     Querier
	logger *slog.Logger
	cfg    Config
	deltas *deltaTracker

	now func() time.Time
}

// New builds a collector over db. Zero config fields fall back to defaults.
func New(db Querier, logger *slog.Logger, cfg Config) *Collector {
	if cfg.DeltaSuffix == "" {
		cfg.DeltaSuffix = catalog.DefaultDeltaSuffix
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return &Collector{
		db:     db,
		logger: logger,
		cfg:    cfg,
		deltas: newDeltaTracker(),
		now:    time.Now,
	}
}

// Run executes the entry's query and maps the result set per the entry's
// kind. A failed run can still return the events mapped before the failure;
// the caller decides whether to keep them. Errors are *QueryError or
// *TimeoutError except when the parent context was cancelled, which passes
// through untyped.
func (c *Collector) Run(ctx context.Context, entry catalog.Entry) ([]model.Event, Stats, error) {
	ctx, span := tracer.Start(ctx, "collect "+entry.Name,
		trace.WithAttributes(
			attribute.String("sqlpulse.entry", entry.Name),
			attribute.String("sqlpulse.kind", string(entry.Kind)),
		),
	)
	defer span.End()

	start := c.now()
	var stats Stats

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(qctx, entry.Query)
	if err != nil {
		stats.Elapsed = c.now().Sub(start)
		err = c.classify(ctx, entry, err)
		span.RecordError(err)
		return nil, stats, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		stats.Elapsed = c.now().Sub(start)
		qerr := &QueryError{Entry: entry.Name, Err: err}
		span.RecordError(qerr)
		return nil, stats, qerr
	}

	var events []model.Event
	switch entry.Kind {
	case catalog.KindSingleRow:
		events, err = c.collectSingleRow(rows, columns, entry, start, &stats)
	case catalog.KindTwoColumns:
		events, err = c.collectTwoColumns(rows, columns, entry, start, &stats)
	default:
		events, err = c.collectMultipleRows(rows, columns, entry, start, &stats)
	}
	if err == nil {
		err = rows.Err()
	}

	stats.Events = len(events)
	stats.Elapsed = c.now().Sub(start)
	span.SetAttributes(
		attribute.Int("sqlpulse.rows", stats.Rows),
		attribute.Int("sqlpulse.events", stats.Events),
		attribute.Int("sqlpulse.dropped", stats.Dropped),
	)
	if err != nil {
		err = c.classify(ctx, entry, err)
		span.RecordError(err)
		return events, stats, err
	}
	return events, stats, nil
}

func (c *Collector) classify(ctx context.Context, entry catalog.Entry, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Entry: entry.Name, Limit: c.cfg.QueryTimeout}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown, not a database problem.
		return err
	default:
		return &QueryError{Entry: entry.Name, Err: err}
	}
}

// collectMultipleRows emits one event per row. Delta columns are not tracked
// here: rows of the same result set would all write the same state key.
func (c *Collector) collectMultipleRows(rows *sql.Rows, columns []string, entry catalog.Entry, at time.Time, stats *Stats) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		stats.Rows++
		values, err := scanRow(rows, len(columns))
		if err != nil {
			return events, err
		}
		fields, ok := c.mapRow(entry, columns, values, at, false)
		if !ok {
			stats.Dropped++
			c.logger.Warn("dropping row with unmappable value", "entry", entry.Name)
			continue
		}
		events = append(events, model.Event{Timestamp: at, Source: entry.Name, Fields: fields})
	}
	return events, nil
}

// collectSingleRow emits one event from the first row and ignores the rest.
func (c *Collector) collectSingleRow(rows *sql.Rows, columns []string, entry catalog.Entry, at time.Time, stats *Stats) ([]model.Event, error) {
	if !rows.Next() {
		return nil, nil
	}
	stats.Rows++
	values, err := scanRow(rows, len(columns))
	if err != nil {
		return nil, err
	}
	fields, ok := c.mapRow(entry, columns, values, at, true)
	if !ok {
		stats.Dropped++
		c.logger.Warn("dropping row with unmappable value", "entry", entry.Name)
		return nil, nil
	}
	return []model.Event{{Timestamp: at, Source: entry.Name, Fields: fields}}, nil
}

// collectTwoColumns folds the whole result set into one event: column 1 names
// the field, column 2 carries its value. No event when nothing folded in.
func (c *Collector) collectTwoColumns(rows *sql.Rows, columns []string, entry catalog.Entry, at time.Time, stats *Stats) ([]model.Event, error) {
	if len(columns) < 2 {
		return nil, &QueryError{Entry: entry.Name, Err: fmt.Errorf("two-columns query returned %d column(s)", len(columns))}
	}

	fields := make(map[string]any)
	for rows.Next() {
		stats.Rows++
		values, err := scanRow(rows, len(columns))
		if err != nil {
			return nil, err
		}

		name, ok := fieldName(values[0])
		if !ok {
			stats.Dropped++
			c.logger.Warn("dropping row with unusable field name", "entry", entry.Name)
			continue
		}
		value, ok := normalize(values[1])
		if !ok {
			stats.Dropped++
			c.logger.Warn("dropping row with unmappable value", "entry", entry.Name, "field", name)
			continue
		}
		c.addField(entry, fields, name, value, at)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return []model.Event{{Timestamp: at, Source: entry.Name, Fields: fields}}, nil
}

// mapRow normalizes a scanned row into an event field map. A single
// unmappable value poisons the whole row.
func (c *Collector) mapRow(entry catalog.Entry, columns []string, values []any, at time.Time, delta bool) (map[string]any, bool) {
	fields := make(map[string]any, len(columns))
	for i, col := range columns {
		v, ok := normalize(values[i])
		if !ok {
			return nil, false
		}
		if delta {
			c.addField(entry, fields, col, v, at)
		} else {
			fields[col] = v
		}
	}
	return fields, true
}

// addField stores v under name, translating the delta suffix: the raw value
// keeps the base name and, from the second observation on, a companion
// <base>_per_second field carries the rate.
func (c *Collector) addField(entry catalog.Entry, fields map[string]any, name string, v any, at time.Time) {
	if !strings.HasSuffix(name, c.cfg.DeltaSuffix) || name == c.cfg.DeltaSuffix {
		fields[name] = v
		return
	}
	base := strings.TrimSuffix(name, c.cfg.DeltaSuffix)
	fields[base] = v
	if rate, ok := c.deltas.observe(entry.Name+"\x00"+base, v, at); ok {
		fields[base+"_per_second"] = rate
	}
}

func fieldName(v any) (string, bool) {
	switch x := v.(type) {
	case []byte:
		return string(x), true
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	default:
		return "", false
	}
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}
