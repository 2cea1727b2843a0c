package database

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

type MigrationConfig struct {
	// Source holds one directory of migrations per driver name, e.g. postgres/ and sqlite/.
	Source       fs.FS
	Version      uint
	Force        int
	AutoRollback bool // If enabled, will attempt to rollback the database to the previous version if an error occurs
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// Migrate applies the migrations for db's driver.
func (ms *MigrationService) Migrate(ctx context.Context, db DB) error {
	driverName := db.DriverName()
	logger := ms.logger.WithFields(map[string]any{
		"target": db.Name(),
		"driver": driverName,
	})

	src, err := iofs.New(ms.config.Source, driverName)
	if err != nil {
		return errors.Wrapf(err, "no migrations found for driver %s", driverName)
	}
	defer src.Close()

	instance, release, err := databaseDriver(ctx, db)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s migration driver", driverName)
	}
	defer release()

	m, err := migrate.NewWithInstance("iofs", src, db.Name(), instance)
	if err != nil {
		logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}

	m.Log = MigrationLogger{Logger: logger}

	return ms.runMigration(m, logger, driverName)
}

// databaseDriver wraps the pool for golang-migrate. The returned release func
// frees driver resources without closing the pool.
func databaseDriver(ctx context.Context, db DB) (migratedb.Driver, func(), error) {
	sqlDB := db.Unwrap().DB
	switch db.DriverName() {
	case DriverPostgres:
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return driver, func() { _ = conn.Close() }, nil
	case DriverSQLite:
		driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return nil, nil, err
		}
		return driver, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported driver %q", db.DriverName())
	}
}

func (ms *MigrationService) runMigration(m *migrate.Migrate, logger ectologger.Logger, dir string) error {
	if ms.config.Force != 0 {
		// Force the database to a specific version
		err := m.Force(ms.config.Force)
		if err != nil {
			logger.WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	version, _, versionErr := m.Version()
	if versionErr != nil && versionErr != migrate.ErrNilVersion {
		logger.WithError(versionErr).Error("Failed to get current migration version")
	}

	done := make(chan bool)
	go ms.logProgress(logger, done)

	startTime := time.Now()

	var migrationErr error
	if ms.config.Version != 0 {
		migrationErr = m.Migrate(ms.config.Version)
	} else {
		migrationErr = m.Up()
	}

	done <- true

	logger.Infof("Database migrations completed in %v", time.Since(startTime))

	return ms.handleMigrationError(m, logger, dir, migrationErr, version)
}

func (ms *MigrationService) logProgress(logger ectologger.Logger, done chan bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	dots := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			dots = (dots + 1) % 4
			logger.Debugf("Executing database migrations%s", strings.Repeat(".", dots))
		}
	}
}

func (ms *MigrationService) handleMigrationError(m *migrate.Migrate, logger ectologger.Logger, dir string, err error, previousVersion uint) error {
	if err == nil {
		logger.Info("Successfully applied migrations")
		return nil
	}

	if err == migrate.ErrNoChange {
		logger.Info("No new migrations to apply")
		return nil
	}

	// usually left behind by a rollback to a build with fewer migrations
	if strings.Contains(err.Error(), "no migration found for version") {
		latest, err := getLatestVersion(ms.config.Source, dir)
		if err != nil {
			logger.WithError(err).Error("Failed to get latest migration version")
			return err
		}
		logger.Warnf("No migration found for version %d. Latest version is %d", previousVersion, latest)
		logger.Infof("Forcing database to version %d", latest)
		if err := m.Force(latest); err != nil {
			logger.WithError(err).Errorf("Failed to force database to version %d", latest)
			return err
		}
		return nil
	}

	logger.WithError(err).Errorf("Migration failed with error: %v", err)

	version, dirty, versionErr := m.Version()
	if versionErr != nil && versionErr != migrate.ErrNilVersion {
		logger.WithError(versionErr).Error("Failed to get current migration version")
	} else if ms.config.AutoRollback {
		if previousVersion == 0 && version > 0 {
			previousVersion = version - 1
		}

		if dirty {
			logger.Warnf("Database is dirty at version %d. Reverting to version %d", version, previousVersion)
			if forceErr := m.Force(int(previousVersion)); forceErr != nil {
				logger.WithError(forceErr).Errorf("Failed to force database to version %d", previousVersion)
				return forceErr
			}
		}

		// still fail so the caller does not serve against a half-migrated schema
		return err
	}

	logger.WithError(err).Errorf("Failed to apply migrations. Database version is dirty=%t at version %d", dirty, version)
	return err
}

func getLatestVersion(fsys fs.FS, dir string) (int, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 0, err
	}

	var versions []int
	re := regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		matches := re.FindStringSubmatch(file.Name())
		if len(matches) > 1 {
			version, err := strconv.Atoi(matches[1])
			if err != nil {
				return 0, err
			}
			versions = append(versions, version)
		}
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found in %s", dir)
	}

	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
