// Package config loads and validates agent configuration from environment
// variables. Every violation is collected and reported in one pass so a bad
// deployment surfaces all of its problems at once.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/collector"
	"github.com/sqlpulse/sqlpulse/internal/pipeline"
	"github.com/sqlpulse/sqlpulse/internal/publish"
)

// Sink kinds accepted in SQLPULSE_SINK.
const (
	SinkStdout = "stdout"
	SinkHTTP   = "http"
)

// DefaultGracePeriod bounds the drain phase of a graceful shutdown.
const DefaultGracePeriod = 10 * time.Second

// Config holds all agent configuration.
type Config struct {
	// Catalog settings.
	CatalogPath string

	// Health server settings.
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Batching settings.
	BatchMaxSize   int
	BatchMaxAge    time.Duration
	BufferCapacity int
	QueueDepth     int

	// Sink settings.
	Sink      string // "stdout" or "http"
	SinkURL   string
	SinkToken string
	// SinkTimeout bounds a single delivery attempt.
	SinkTimeout time.Duration

	// Publish retry settings.
	RetryBase time.Duration
	RetryCap  time.Duration

	// Shutdown settings.
	GracePeriod time.Duration

	// Collection settings.
	QueryTimeout time.Duration

	// Logging settings.
	LogLevel  string
	LogFormat string // "auto", "json", or "text"

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var errs []error

	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		CatalogPath:    envStr("SQLPULSE_CATALOG", "sqlpulse.yml"),
		ListenAddr:     envStr("SQLPULSE_LISTEN_ADDR", ":8080"),
		ReadTimeout:    duration("SQLPULSE_READ_TIMEOUT", 5*time.Second),
		WriteTimeout:   duration("SQLPULSE_WRITE_TIMEOUT", 10*time.Second),
		BatchMaxSize:   integer("SQLPULSE_BATCH_MAX_SIZE", pipeline.DefaultMaxBatchSize),
		BatchMaxAge:    duration("SQLPULSE_BATCH_MAX_AGE", pipeline.DefaultMaxBatchAge),
		BufferCapacity: integer("SQLPULSE_BUFFER_CAPACITY", pipeline.DefaultCapacity),
		QueueDepth:     integer("SQLPULSE_QUEUE_DEPTH", pipeline.DefaultQueueDepth),
		Sink:           envStr("SQLPULSE_SINK", SinkStdout),
		SinkURL:        envStr("SQLPULSE_SINK_URL", ""),
		SinkToken:      envStr("SQLPULSE_SINK_TOKEN", ""),
		SinkTimeout:    duration("SQLPULSE_SINK_TIMEOUT", publish.DefaultAttemptTimeout),
		RetryBase:      duration("SQLPULSE_RETRY_BASE", publish.DefaultRetryBase),
		RetryCap:       duration("SQLPULSE_RETRY_CAP", publish.DefaultRetryCap),
		GracePeriod:    duration("SQLPULSE_GRACE_PERIOD", DefaultGracePeriod),
		QueryTimeout:   duration("SQLPULSE_QUERY_TIMEOUT", collector.DefaultQueryTimeout),
		LogLevel:       envStr("SQLPULSE_LOG_LEVEL", "info"),
		LogFormat:      envStr("SQLPULSE_LOG_FORMAT", "auto"),
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:   boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:    envStr("OTEL_SERVICE_NAME", "sqlpulse"),
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error

	switch c.Sink {
	case SinkStdout, SinkHTTP:
	default:
		errs = append(errs, fmt.Errorf(`config: SQLPULSE_SINK must be "stdout" or "http", got %q`, c.Sink))
	}
	if c.Sink == SinkHTTP && c.SinkURL == "" {
		errs = append(errs, errors.New("config: SQLPULSE_SINK_URL is required when SQLPULSE_SINK=http"))
	}

	if c.BatchMaxSize <= 0 {
		errs = append(errs, errors.New("config: SQLPULSE_BATCH_MAX_SIZE must be positive"))
	}
	if c.BatchMaxAge <= 0 {
		errs = append(errs, errors.New("config: SQLPULSE_BATCH_MAX_AGE must be positive"))
	}
	if c.BufferCapacity < c.BatchMaxSize {
		errs = append(errs, errors.New("config: SQLPULSE_BUFFER_CAPACITY must be at least SQLPULSE_BATCH_MAX_SIZE"))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, errors.New("config: SQLPULSE_QUEUE_DEPTH must be positive"))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, errors.New("config: SQLPULSE_GRACE_PERIOD must be positive"))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("config: SQLPULSE_QUERY_TIMEOUT must be positive"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: SQLPULSE_LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "auto", "json", "text":
	default:
		errs = append(errs, fmt.Errorf(`config: SQLPULSE_LOG_FORMAT must be "auto", "json", or "text", got %q`, c.LogFormat))
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
