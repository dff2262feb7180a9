package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator is the subset of *migrate.Migrate used here.
type Migrator interface {
	Up() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
}

var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

// NewMigrator builds a migrator over the embedded schema files.
func NewMigrator(db *sql.DB) (Migrator, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies pending migrations. steps > 0 applies that many up,
// steps < 0 rolls back, zero applies all pending.
func RunMigrations(m Migrator, steps int, logger *slog.Logger) error {
	logger.Info("checking for pending database migrations")

	var err error
	if steps == 0 {
		err = m.Up()
	} else {
		err = m.Steps(steps)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("database schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr != nil {
		return fmt.Errorf("failed to read migration version: %w", verr)
	}
	logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}
