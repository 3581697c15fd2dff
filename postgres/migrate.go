package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Migrate applies pending up-migrations from a source directory of
// versioned .sql files. A source without a scheme is treated as a local
// path.
func (d *Driver) Migrate(ctx context.Context, source string) error {
	if !strings.Contains(source, "://") {
		source = "file://" + source
	}

	// golang-migrate drives a database/sql connection; open a short-lived
	// one over the pgx stdlib adapter.
	db, err := sql.Open("pgx", d.opts.URI)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("[MIGRATE] no pending migrations in %s", source)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Printf("[MIGRATE] applied migrations from %s", source)
	return nil
}
