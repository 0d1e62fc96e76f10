package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"

	// File source driver for reading migration files from disk.
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// migrationsTable records the applied schema version.
const migrationsTable = "schema_migrations"

// ErrDirtySchema is returned when a previous migration failed halfway. The
// auth tables carry uniqueness and lockout guarantees, so the server does not
// start on a half-applied schema; fix it by hand and force the version.
var ErrDirtySchema = errors.New("database schema is dirty")

// RunMigrations applies all pending migrations from migrationsPath. Already
// applied versions are skipped, so it runs on every startup.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := mysql.WithInstance(db, &mysql.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "mysql", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if version, dirty, err := m.Version(); err == nil && dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, version)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		slog.Debug("schema up to date")
	case err != nil:
		return fmt.Errorf("running migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	slog.Info("migrations applied", slog.Uint64("version", uint64(version)))

	return nil
}
