package sqldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
	"github.com/sqlpulse/sqlpulse/internal/testutil"
)

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, catalog.Datasource{
		Driver:   catalog.DriverSQLite,
		Database: ":memory:",
	}, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "sqlite", db.Driver())

	var got int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT 1+1").Scan(&got))
	assert.Equal(t, 2, got)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), catalog.Datasource{Driver: "oracle"}, testutil.TestLogger())
	require.Error(t, err)
}

func TestHealthy(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, catalog.Datasource{
		Driver:   catalog.DriverSQLite,
		Database: ":memory:",
	}, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Healthy(ctx))

	// Second call hits the cache; still healthy.
	require.NoError(t, db.Healthy(ctx))
}

func TestHealthyReportsClosedPool(t *testing.T) {
	db, err := Open(context.Background(), catalog.Datasource{
		Driver:   catalog.DriverSQLite,
		Database: ":memory:",
	}, testutil.TestLogger())
	require.NoError(t, err)
	db.Close()

	assert.Error(t, db.Healthy(context.Background()))
}
