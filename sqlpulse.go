// Package sqlpulse is the public API for embedding the sqlpulse collection
// agent.
//
// The agent runs a catalog of SQL queries on per-entry schedules against one
// database and ships the results as typed events to a collection endpoint:
//
//	app, err := sqlpulse.New(
//	    sqlpulse.WithVersion(version),
//	    sqlpulse.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// New is construction only: it loads configuration and the catalog and proves
// the database and sink capabilities are constructible; any failure there is
// fatal. Run opens the pool, starts the pipeline, and blocks until ctx is
// cancelled, then drains and stops. The import graph enforces a strict
// no-cycle rule: sqlpulse (root) imports internal/*, but internal/* never
// imports the root.
package sqlpulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/sqlpulse/sqlpulse/api"
	"github.com/sqlpulse/sqlpulse/internal/catalog"
	"github.com/sqlpulse/sqlpulse/internal/collector"
	"github.com/sqlpulse/sqlpulse/internal/config"
	"github.com/sqlpulse/sqlpulse/internal/lifecycle"
	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/pipeline"
	"github.com/sqlpulse/sqlpulse/internal/publish"
	"github.com/sqlpulse/sqlpulse/internal/scheduler"
	"github.com/sqlpulse/sqlpulse/internal/server"
	"github.com/sqlpulse/sqlpulse/internal/sqldb"
	"github.com/sqlpulse/sqlpulse/internal/telemetry"
)

const serverShutdownTimeout = 5 * time.Second

// App is the sqlpulse agent lifecycle. Construct with New(), run with Run().
// App has no public fields; configure it through New() options.
type App struct {
	cfg        config.Config
	catalog    *catalog.Catalog
	tracker    *lifecycle.Tracker
	sink       publish.Sink
	logger     *slog.Logger
	version    string
	instanceID string

	// Populated by Run.
	db           *sqldb.DB
	collector    *collector.Collector
	batcher      *pipeline.Batcher
	publisher    *publish.Publisher
	scheduler    *scheduler.Scheduler
	srv          *server.Server
	otelShutdown telemetry.Shutdown
}

// New initialises the agent: environment configuration, catalog, and the
// database and sink capabilities. It does NOT start any goroutines or open
// connections; that happens in Run. A non-nil error here means the agent
// cannot run at all.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.catalogPath != "" {
		cfg.CatalogPath = o.catalogPath
	}
	if o.listenAddr != "" {
		cfg.ListenAddr = o.listenAddr
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cat *catalog.Catalog
	if o.catalogYAML != nil {
		cat, err = catalog.Parse(o.catalogYAML)
	} else {
		cat, err = catalog.Load(cfg.CatalogPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if len(cat.Entries()) == 0 {
		logger.Warn("catalog has no enabled entries, agent will idle")
	}

	// Prove the datasource maps to a usable driver before anything starts.
	driverName, _, err := sqldb.BuildDSN(cat.Datasource())
	if err != nil {
		return nil, fmt.Errorf("datasource: %w", err)
	}

	sink := o.sink
	if sink == nil {
		switch cfg.Sink {
		case config.SinkHTTP:
			sink = publish.NewHTTPSink(cfg.SinkURL, cfg.SinkToken)
		default:
			sink = publish.NewStdoutSink(os.Stdout)
		}
	}

	// Distinguishes this process from its replacements in downstream logs.
	instanceID := uuid.NewString()

	logger.Info("sqlpulse starting",
		"version", version,
		"instance", instanceID,
		"catalog", cfg.CatalogPath,
		"entries", len(cat.Entries()),
		"driver", driverName,
		"sink", cfg.Sink,
	)

	return &App{
		cfg:        cfg,
		catalog:    cat,
		tracker:    lifecycle.NewTracker(logger.With("component", "lifecycle")),
		sink:       sink,
		logger:     logger,
		version:    version,
		instanceID: instanceID,
	}, nil
}

// State returns the agent's current lifecycle state.
func (a *App) State() AgentState {
	return a.tracker.State()
}

// Subscribe returns a channel receiving every subsequent state transition.
func (a *App) Subscribe() <-chan AgentState {
	return a.tracker.Subscribe()
}

// Run starts the pipeline and the health server, then blocks until ctx is
// cancelled or the server fails. On return, the agent has fully drained and
// stopped; there is no separate Shutdown to call.
func (a *App) Run(ctx context.Context) error {
	otelShutdown, err := telemetry.Init(ctx, a.cfg.OTELEndpoint, a.cfg.ServiceName, a.version, a.cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	// An unreachable database is not fatal: Open warns and the first cycles
	// record failures until it comes back.
	db, err := sqldb.Open(ctx, a.catalog.Datasource(), a.logger.With("component", "sqldb"))
	if err != nil {
		_ = otelShutdown(context.Background())
		return fmt.Errorf("database: %w", err)
	}
	a.db = db

	a.collector = collector.New(db, a.logger.With("component", "collector"), collector.Config{
		DeltaSuffix:  a.catalog.DeltaSuffix(),
		QueryTimeout: a.cfg.QueryTimeout,
	})
	a.batcher = pipeline.New(a.logger.With("component", "batcher"), pipeline.Config{
		MaxBatchSize: a.cfg.BatchMaxSize,
		MaxBatchAge:  a.cfg.BatchMaxAge,
		Capacity:     a.cfg.BufferCapacity,
		QueueDepth:   a.cfg.QueueDepth,
	})
	a.publisher = publish.New(a.sink, a.batcher.Out(), a.logger.With("component", "publisher"), publish.Config{
		RetryBase:      a.cfg.RetryBase,
		RetryCap:       a.cfg.RetryCap,
		AttemptTimeout: a.cfg.SinkTimeout,
	})
	a.scheduler = scheduler.New(a.collector, a.batcher, a.catalog.Entries(), a.logger.With("component", "scheduler"))
	a.srv = server.New(server.Config{
		Addr:         a.cfg.ListenAddr,
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		Version:      a.version,
		InstanceID:   a.instanceID,
		OpenAPISpec:  api.OpenAPISpec,
		State:        a.tracker,
		Runs:         a.scheduler,
		DB:           db,
		Buffer:       a.batcher,
		Logger:       a.logger.With("component", "server"),
	})

	// The loops run on background contexts: the drain sequence owns their
	// cancellation, so a signal cannot yank the final seal out from under a
	// half-flushed buffer.
	a.batcher.Start(context.Background())
	a.publisher.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if err := a.tracker.Transition(model.StateRunning); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}
	a.logger.Info("sqlpulse ready",
		"addr", a.cfg.ListenAddr,
		"entries", len(a.catalog.Entries()),
		"version", a.version,
	)
	a.scheduler.Start(context.Background())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.logger.Error("http server failed", "error", err)
		_ = a.shutdown(context.Background())
		return err
	}

	return a.shutdown(context.Background())
}

// shutdown drains the pipeline and stops everything: scheduler first so no
// new events arrive, then the batcher seals and flushes, then the publisher
// delivers what is queued. One grace deadline bounds all three; whatever
// remains past it is counted, logged, and abandoned, and the agent still
// exits cleanly.
func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("sqlpulse shutting down", "grace", a.cfg.GracePeriod)
	if err := a.tracker.Transition(model.StateDraining); err != nil {
		a.logger.Warn("lifecycle transition failed", "error", err)
	}

	drainCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.GracePeriod)
	defer cancel()

	if a.scheduler != nil {
		a.scheduler.Stop(drainCtx)
	}
	if a.batcher != nil {
		a.batcher.Drain(drainCtx)
	}
	if a.publisher != nil {
		a.publisher.Drain(drainCtx)

		if dropped := a.batcher.DroppedEvents(); dropped > 0 {
			a.logger.Error("events lost at drain deadline", "events", dropped)
		}
		if dropped := a.publisher.DroppedBatches(); dropped > 0 {
			a.logger.Error("batches lost at drain deadline", "batches", dropped)
		}
	}

	if a.srv != nil {
		srvCtx, srvCancel := contextWithOptionalTimeout(ctx, serverShutdownTimeout)
		if err := a.srv.Shutdown(srvCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		srvCancel()
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("database close error", "error", err)
		}
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}

	if err := a.tracker.Transition(model.StateStopped); err != nil {
		a.logger.Warn("lifecycle transition failed", "error", err)
	}
	a.logger.Info("sqlpulse stopped",
		"published", a.publishedCount(),
		"discarded", a.discardedCount(),
	)
	return nil
}

func (a *App) publishedCount() int64 {
	if a.publisher == nil {
		return 0
	}
	return a.publisher.Published()
}

func (a *App) discardedCount() int64 {
	if a.publisher == nil {
		return 0
	}
	return a.publisher.Discarded()
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
