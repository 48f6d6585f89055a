package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/projections/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Migrate applies all pending schema migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	m := migrate.New(db, migrationsTable)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the schema version of db.
func MigrationVersion(ctx context.Context, db *sql.DB) (int, error) {
	return migrate.New(db, migrationsTable).Version(ctx)
}
