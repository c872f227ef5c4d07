// Package sqldb opens and supervises the single database connection the agent
// collects from. It maps catalog datasources onto database/sql drivers, keeps
// passwords out of log output, and answers health probes without letting them
// pile up on a slow database.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sqlpulse/sqlpulse/internal/catalog"

	// The mysql driver registers through the non-blank import in dsn.go.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

const (
	connMaxLifetime = 10 * time.Minute
	startupPingWait = 5 * time.Second
	healthCacheTTL  = 5 * time.Second
	healthPingWait  = 3 * time.Second
)

// DB wraps the shared *sql.DB with a redacted DSN for logging and a
// deduplicated health probe.
type DB struct {
	*sql.DB

	driverName string
	safeDSN    string
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthAt    atomic.Int64
	healthErr   atomic.Value
}

// Open builds the connection string for the datasource and opens the pool.
// An unreachable database is not an error here: the agent starts anyway and
// the first collection cycle reports the failure. Only a datasource that
// cannot be turned into a connection string at all fails Open.
func Open(ctx context.Context, ds catalog.Datasource, logger *slog.Logger) (*DB, error) {
	driverName, dsn, err := BuildDSN(ds)
	if err != nil {
		return nil, err
	}

	pool, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", driverName, err)
	}
	pool.SetConnMaxLifetime(connMaxLifetime)

	db := &DB{
		DB:         pool,
		driverName: driverName,
		safeDSN:    SafeDSN(driverName, dsn),
		logger:     logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, startupPingWait)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		logger.Warn("database unreachable at startup, collection will retry",
			"driver", driverName,
			"dsn", db.safeDSN,
			"error", err)
	} else {
		logger.Info("database connection established",
			"driver", driverName,
			"dsn", db.safeDSN)
	}

	return db, nil
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string { return db.driverName }

// SafeDSN returns the connection string with the password blanked out.
func (db *DB) SafeDSN() string { return db.safeDSN }

// Healthy returns nil if the database answers a ping. Results are cached for
// a few seconds so status probes do not hammer the database. Concurrent calls
// after cache expiry are deduplicated via singleflight; all waiters share the
// one ping's result.
func (db *DB) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, db.healthAt.Load())) < healthCacheTTL {
		return db.loadHealthErr()
	}

	// Ping on context.Background() rather than the caller's ctx: singleflight
	// reuses the first caller's context, and if that caller cancels, every
	// waiter would inherit a spurious error.
	result, _, _ := db.healthGroup.Do("ping", func() (any, error) {
		pingCtx, cancel := context.WithTimeout(context.Background(), healthPingWait)
		defer cancel()

		if err := db.PingContext(pingCtx); err != nil {
			db.storeHealthErr(fmt.Errorf("sqldb: ping %s: %w", db.driverName, err))
		} else {
			db.storeHealthErr(nil)
		}
		db.healthAt.Store(time.Now().UnixNano())
		return db.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so it is wrapped in a pointer.
func (db *DB) storeHealthErr(err error) {
	db.healthErr.Store(&err)
}

func (db *DB) loadHealthErr() error {
	v := db.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}
