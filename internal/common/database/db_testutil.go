package database

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// TestDbEnvVar must be set for tests that need a live postgres instance. Its value is the connection string of a
// server on which the test may create and drop databases, e.g. "host=localhost port=5432 user=postgres password=psw".
const TestDbEnvVar = "JOBSUBMITTER_TEST_POSTGRES"

// TestDbAvailable returns true if a postgres instance has been configured for tests.
func TestDbAvailable() bool {
	return os.Getenv(TestDbEnvVar) != ""
}

// WithTestDb spins up a dedicated Postgres database for testing, applies migrations and tears it down afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString := os.Getenv(TestDbEnvVar)
	if connectionString == "" {
		return errors.Errorf("%s is not set", TestDbEnvVar)
	}

	// Connect and create a dedicated database for the test
	dbName := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.  This is the database we use for tests
	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
