package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"courier/migrations"
)

// Migration is one versioned schema file.
type Migration struct {
	Version uint
	Name    string
}

// LoadMigrations lists the embedded up migrations for d in version order.
func LoadMigrations(d Dialect) ([]Migration, error) {
	files, err := fs.ReadDir(migrations.FS, d.String())
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []Migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".up.sql") {
			continue
		}
		var v uint
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		out = append(out, Migration{Version: v, Name: f.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies pending migrations and returns how many ran. It opens its
// own connection because the migrate driver closes the database it is given.
func Migrate(ctx context.Context, cfg Config) (int, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return 0, err
	}
	dsn := cfg.URL
	if d == SQLite {
		dsn = SQLiteDSN(cfg.URL)
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}

	m, err := newMigrator(db, d)
	if err != nil {
		_ = db.Close()
		return 0, err
	}
	defer m.Close() //nolint:errcheck // closes db as well

	stop := context.AfterFunc(ctx, func() {
		select {
		case m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	before, err := currentVersion(m)
	if err != nil {
		return 0, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	after, err := currentVersion(m)
	if err != nil {
		return 0, err
	}

	all, err := LoadMigrations(d)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, mig := range all {
		if mig.Version > before && mig.Version <= after {
			applied++
		}
	}
	return applied, nil
}

func newMigrator(db *sql.DB, d Dialect) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, d.String())
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	var driver migratedb.Driver
	switch d {
	case SQLite:
		driver, err = sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	default:
		driver, err = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("create %s migration driver: %w", d, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.String(), driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func currentVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return 0, fmt.Errorf("schema is dirty at version %d; fix it and force the version", v)
	}
	return v, nil
}
