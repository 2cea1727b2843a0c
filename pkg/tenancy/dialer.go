package tenancy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Dialer opens a ready-to-use connection pool for a target.
type Dialer interface {
	Dial(ctx context.Context, target Target) (database.DB, error)
}

type DialerFunc func(ctx context.Context, target Target) (database.DB, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (database.DB, error) {
	return f(ctx, target)
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// SQLDialer dials postgres and sqlite targets and optionally migrates them.
type SQLDialer struct {
	logger   ectologger.Logger
	pool     PoolConfig
	migrator *database.MigrationService
}

// NewSQLDialer creates a dialer. A nil migrator skips migrations.
func NewSQLDialer(logger ectologger.Logger, pool PoolConfig, migrator *database.MigrationService) *SQLDialer {
	if pool.ConnectTimeout == 0 {
		pool.ConnectTimeout = 5 * time.Second
	}
	return &SQLDialer{
		logger:   logger,
		pool:     pool,
		migrator: migrator,
	}
}

func (d *SQLDialer) Dial(ctx context.Context, target Target) (database.DB, error) {
	ctx, span := tracing.StartSpan(ctx, "SQLDialer.Dial")
	defer span.End()

	logger := d.logger.WithContext(ctx).WithFields(map[string]any{
		"target": target.Name,
		"driver": target.Driver,
	})

	dsn, err := DSN(target)
	if err != nil {
		return nil, err
	}

	sqlxDB, err := sqlx.Open(target.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", target.Name, err)
	}

	if target.Driver == database.DriverSQLite {
		// one writer; statements inside a transaction must use the tx handle
		sqlxDB.SetMaxOpenConns(1)
	} else {
		if d.pool.MaxOpenConns > 0 {
			sqlxDB.SetMaxOpenConns(d.pool.MaxOpenConns)
		}
		if d.pool.MaxIdleConns > 0 {
			sqlxDB.SetMaxIdleConns(d.pool.MaxIdleConns)
		}
		if d.pool.ConnMaxLifetime > 0 {
			sqlxDB.SetConnMaxLifetime(d.pool.ConnMaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, d.pool.ConnectTimeout)
	defer cancel()
	if err := sqlxDB.PingContext(pingCtx); err != nil {
		_ = sqlxDB.Close()
		logger.WithError(err).Warn("Failed to ping database target")
		return nil, fmt.Errorf("failed to ping %s: %w", target.Name, err)
	}

	db := database.NewDatabaseInstance(target.Name, sqlxDB, d.logger)

	if d.migrator != nil {
		if err := d.migrator.Migrate(ctx, db); err != nil {
			_ = sqlxDB.Close()
			return nil, fmt.Errorf("failed to migrate %s: %w", target.Name, err)
		}
	}

	logger.Info("Connected to database target")
	return db, nil
}

// DSN builds the driver connection string for a target.
func DSN(target Target) (string, error) {
	switch target.Driver {
	case database.DriverPostgres, "":
		sslMode := "disable"
		if target.SSL {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(target.Username, target.Password),
			Host:     net.JoinHostPort(target.Host, strconv.Itoa(target.Port)),
			Path:     "/" + target.Database,
			RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
		}
		return u.String(), nil
	case database.DriverSQLite:
		if dir := filepath.Dir(target.Database); dir != "." && target.Database != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		q := url.Values{}
		q.Add("_pragma", "foreign_keys(1)")
		q.Add("_pragma", "busy_timeout(5000)")
		q.Set("_time_format", "sqlite")
		return target.Database + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", target.Driver)
	}
}
