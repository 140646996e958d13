package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date. It is idempotent and runs once at
// process start.
func (d *DB) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, release, err := d.migrationDriver(ctx)
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	defer release()

	// m.Close is not called: on SQLite it would close the shared pool.
	m, err := migrate.NewWithInstance("iofs", src, d.driver, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrationDriver wraps the pool for golang-migrate. Postgres needs a
// dedicated connection for its advisory lock; release hands it back.
func (d *DB) migrationDriver(ctx context.Context) (database.Driver, func(), error) {
	switch d.driver {
	case DriverSQLite:
		driver, err := sqlite.WithInstance(d.DB.DB, &sqlite.Config{})
		return driver, func() {}, err
	case DriverPostgres:
		conn, err := d.DB.Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return driver, func() { _ = driver.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", d.driver)
	}
}
