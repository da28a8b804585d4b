package database

import (
	"context"
	"embed"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/armadaproject/jobsubmitter/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate brings the job store schema up to date.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}

// WithTestDb runs action against a freshly migrated job store.
func WithTestDb(action func(store *PostgresJobStore, db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		return action(NewPostgresJobStore(db, 3), db)
	})
}
