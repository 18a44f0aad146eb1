package sqldb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// Status describes the schema version of a database.
type Status struct {
	Version uint
	Latest  uint
	Dirty   bool
}

// Current reports whether the database is at the latest version.
func (s Status) Current() bool {
	return !s.Dirty && s.Version == s.Latest
}

// Migrate runs every pending migration. A database already at the latest
// version is not an error.
func Migrate(db *sql.DB, dialect Dialect) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}
	// m is not closed: closing it closes db, which the caller owns.

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrationStatus returns the applied and latest schema versions.
func MigrationStatus(db *sql.DB, dialect Dialect) (Status, error) {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return Status{}, err
	}

	src, err := iofs.New(migrationFiles, migrationDir(dialect))
	if err != nil {
		return Status{}, fmt.Errorf("read migrations: %w", err)
	}
	defer src.Close()

	latest, err := latestVersion(src)
	if err != nil {
		return Status{}, fmt.Errorf("latest migration: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return Status{Latest: latest}, nil
		}
		return Status{}, fmt.Errorf("schema version: %w", err)
	}
	return Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

func migrationDir(dialect Dialect) string {
	return "migrations/" + dialect.String()
}

func newMigrate(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, migrationDir(dialect))
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	var driver migratedb.Driver
	switch dialect {
	case Postgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect.String(), driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}
