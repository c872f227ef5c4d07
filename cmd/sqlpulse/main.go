package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/sqlpulse/sqlpulse"
)

// version is set at build time via -ldflags.
var version = "dev"

type options struct {
	Config  string `short:"c" long:"config" description:"catalog file to load (overrides SQLPULSE_CATALOG)"`
	Debug   bool   `short:"d" long:"debug" description:"debug logging"`
	Version bool   `short:"v" long:"version" description:"print the version and exit"`
}

func main() {
	os.Exit(run0())
}

func run0() int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "sqlpulse"
	parser.Usage = "[OPTIONS]"
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}
	if opts.Version {
		fmt.Printf("sqlpulse, version: %s\n", version)
		return 0
	}

	// Load .env file if present (non-fatal; production won't have one).
	// Before the logger so SQLPULSE_LOG_* from the file take effect.
	_ = godotenv.Load()

	logger := newLogger(opts.Debug)
	slog.SetDefault(logger)

	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appOpts := []sqlpulse.Option{
		sqlpulse.WithLogger(logger),
		sqlpulse.WithVersion(version),
	}
	if opts.Config != "" {
		appOpts = append(appOpts, sqlpulse.WithCatalogPath(opts.Config))
	}

	app, err := sqlpulse.New(appOpts...)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger. Logs go to stderr: stdout belongs to
// the event stream when the stdout sink is active.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("SQLPULSE_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	isTerm := isatty.IsTerminal(os.Stderr.Fd())
	format := os.Getenv("SQLPULSE_LOG_FORMAT")
	if format == "" || format == "auto" {
		if isTerm {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:   level,
			NoColor: !isTerm,
		})
	default:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
