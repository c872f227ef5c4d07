// Package testutil provides shared test infrastructure: a quiet test logger,
// an in-memory sink for asserting on published batches, and a MySQL container
// for integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartMySQL()
//	    defer tc.Terminate()
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
	"github.com/sqlpulse/sqlpulse/internal/model"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartMySQL starts a MySQL container with a sqlpulse user and database.
// Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartMySQL() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.4",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "root",
			"MYSQL_DATABASE":      "sqlpulse",
			"MYSQL_USER":          "sqlpulse",
			"MYSQL_PASSWORD":      "sqlpulse",
		},
		// mysqld starts twice during init; wait for the second "ready".
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("sqlpulse:sqlpulse@tcp(%s:%s)/sqlpulse", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}
}

// Datasource returns a catalog datasource pointing at this container.
func (tc *TestContainer) Datasource() catalog.Datasource {
	return catalog.Datasource{Driver: catalog.DriverMySQL, DSN: tc.DSN}
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// CaptureSink records every batch it receives. When an error is set it is
// returned instead, leaving nothing recorded for that attempt.
type CaptureSink struct {
	mu      sync.Mutex
	batches []model.Batch
	err     error
}

func (s *CaptureSink) Publish(_ context.Context, batch model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

// SetError makes every following Publish fail with err until cleared with nil.
func (s *CaptureSink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Batches returns a copy of everything recorded so far.
func (s *CaptureSink) Batches() []model.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// Events returns all recorded events flattened in delivery order.
func (s *CaptureSink) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, b := range s.batches {
		out = append(out, b.Events...)
	}
	return out
}

// WaitFor polls until at least n events have been recorded or the timeout
// expires. Returns whether the threshold was reached.
func (s *CaptureSink) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Events()) >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return len(s.Events()) >= n
}
