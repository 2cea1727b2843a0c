package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// Querier is the statement surface shared by a pool and a transaction.
type Querier interface {
	DriverName() string
	Rebind(query string) string
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

type DB interface {
	Querier
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	Stats() sql.DBStats
	SetConnMaxIdleTime(d time.Duration)
	SetConnMaxLifetime(d time.Duration)
	SetMaxIdleConns(n int)
	SetMaxOpenConns(n int)

	// Name is the target this pool was opened for.
	Name() string
	// Flavor is the go-sqlbuilder dialect matching the driver.
	Flavor() sqlbuilder.Flavor
	// Executor returns the transaction bound to ctx for this pool, or the pool itself.
	Executor(ctx context.Context) Querier
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error)
	Unwrap() *sqlx.DB
}

type DatabaseInstance struct {
	*sqlx.DB
	name   string
	logger ectologger.Logger
}

func NewDatabaseInstance(name string, db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		name:   name,
		logger: logger,
	}
}

func (db *DatabaseInstance) Name() string {
	return db.name
}

func (db *DatabaseInstance) Flavor() sqlbuilder.Flavor {
	return FlavorFor(db.DriverName())
}

func (db *DatabaseInstance) Executor(ctx context.Context) Querier {
	if tx := txFromContext(ctx, db.DB); tx != nil {
		return tx
	}
	return db.DB
}

func (db *DatabaseInstance) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error) {
	return GetTx(ctx, db.logger, db.DB, opts)
}

func (db *DatabaseInstance) Unwrap() *sqlx.DB {
	return db.DB
}

// FlavorFor maps a database/sql driver name to its go-sqlbuilder flavor.
func FlavorFor(driverName string) sqlbuilder.Flavor {
	switch driverName {
	case DriverSQLite:
		return sqlbuilder.SQLite
	default:
		return sqlbuilder.PostgreSQL
	}
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)
