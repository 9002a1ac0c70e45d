// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqldb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

// ApplyMigrations brings the chain state schema of db up to date. Running it
// on a current schema is a no-op.
func ApplyMigrations(db *sql.DB, dialect Dialect) error {
	if db == nil {
		return ErrNilDB
	}

	var (
		migrationFS = sqliteFS
		path        = "migrations/sqlite"
		newDriver   func() (database.Driver, error)
	)

	switch dialect {
	case SQLite:
		newDriver = func() (database.Driver, error) {
			return sqlite.WithInstance(db, &sqlite.Config{})
		}

	case Postgres:
		migrationFS = postgresFS
		path = "migrations/postgres"
		newDriver = func() (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{})
		}

	default:
		return fmt.Errorf("%w: %v", ErrUnknownDialect, dialect)
	}

	sourceDriver, err := iofs.New(migrationFS, path)
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	driver, err := newDriver()
	if err != nil {
		return fmt.Errorf("create %v driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dialect.String(),
		driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err == nil {
		log.Debugf("Chain state schema of %v at version %d", dialect,
			version)
	}

	return nil
}
