package sqlpulse

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers go through the With* functions.
type resolvedOptions struct {
	logger      *slog.Logger
	version     string
	catalogPath string
	catalogYAML []byte
	sink        Sink
	listenAddr  string
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the status endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCatalogPath overrides the catalog file path from config
// (SQLPULSE_CATALOG env var).
func WithCatalogPath(path string) Option {
	return func(o *resolvedOptions) { o.catalogPath = path }
}

// WithCatalogYAML supplies the catalog document directly instead of reading it
// from disk. Takes priority over WithCatalogPath.
func WithCatalogYAML(doc []byte) Option {
	return func(o *resolvedOptions) { o.catalogYAML = doc }
}

// WithSink replaces the config-selected sink. The publisher still owns retry
// and backoff; the sink only sends and classifies.
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.sink = s }
}

// WithListenAddr overrides the health server address from config
// (SQLPULSE_LISTEN_ADDR env var). ":0" picks a free port.
func WithListenAddr(addr string) Option {
	return func(o *resolvedOptions) { o.listenAddr = addr }
}
