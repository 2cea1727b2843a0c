// Package testutil provides databases and loggers for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/db"
	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/tenancy"
)

// NopLogger discards every message.
func NopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// Migrator returns a migration service over the embedded migrations.
func Migrator() *database.MigrationService {
	return database.NewMigrationService(NopLogger(), &database.MigrationConfig{Source: db.Migrations})
}

// SQLiteTarget returns a sqlite target backed by a file in t's temp dir.
func SQLiteTarget(t *testing.T, name string, tenants ...string) tenancy.Target {
	t.Helper()
	return tenancy.Target{
		Name:     name,
		Driver:   database.DriverSQLite,
		Database: filepath.Join(t.TempDir(), name+".db"),
		Tenants:  tenants,
	}
}

// NewSQLiteDB dials and migrates a fresh sqlite target. It is closed with t.
func NewSQLiteDB(t *testing.T, name string) database.DB {
	t.Helper()
	dialer := tenancy.NewSQLDialer(NopLogger(), tenancy.PoolConfig{}, Migrator())
	conn, err := dialer.Dial(context.Background(), SQLiteTarget(t, name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// StaticDialer dials sqlite files in t's temp dir and migrates them, ignoring
// the driver settings of the target it is asked for.
func StaticDialer(t *testing.T) tenancy.Dialer {
	dialer := tenancy.NewSQLDialer(NopLogger(), tenancy.PoolConfig{}, Migrator())
	return tenancy.DialerFunc(func(ctx context.Context, target tenancy.Target) (database.DB, error) {
		return dialer.Dial(ctx, SQLiteTarget(t, target.Name))
	})
}
