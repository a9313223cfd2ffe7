package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"feed-loader/internal/logging"
	"feed-loader/internal/store/migrations"
	"feed-loader/internal/util"
)

// MigrationSource returns the embedded migrations as a migrate source driver.
func MigrationSource() (source.Driver, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("loading embedded migrations: %w", err)
	}
	return src, nil
}

// Migrator applies the embedded schema migrations.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator connects to databaseURL (postgres:// form) with the embedded migrations.
func NewMigrator(databaseURL string) (*Migrator, error) {
	connStr := util.ExpandEnvUniversal(databaseURL)
	src, err := MigrationSource()
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance (using %s): %w", util.MaskCredentials(connStr), err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. Being up to date is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logging.Logf(logging.Info, "schema already up to date")
			return nil
		}
		return fmt.Errorf("migration up failed: %w", err)
	}
	logging.Logf(logging.Info, "migrations applied successfully")
	return nil
}

// Down reverts all migrations.
func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration down failed: %w", err)
	}
	logging.Logf(logging.Info, "migrations reverted successfully")
	return nil
}

// Steps applies n migrations, or reverts -n when n is negative.
func (mg *Migrator) Steps(n int) error {
	if err := mg.m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return nil
}

// Version returns the applied version. A database without migrations reports 0.
func (mg *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and database connections.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
