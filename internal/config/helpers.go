package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
)

// Postgres logs the ready line once during initdb and again on the real
// start, so the wait strategy needs the second occurrence.
const (
	testDBImage         = "postgres:16-alpine"
	readyLogOccurrences = 2
	startupTimeout      = 120 * time.Second
)

// TestDatabase bundles a throwaway container with an open connection so
// integration tests can tear both down from a single t.Cleanup.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
}

// SetupTestDatabase starts a disposable PostgreSQL container and applies the
// full migration set (sync-engine schema, catalog baseline tables, and the
// item/product sync triggers). Cleanup stays with the caller:
//
//	testDB := config.SetupTestDatabase(ctx, t)
//	t.Cleanup(func() {
//		_ = testDB.Connection.Close()
//		_ = testcontainers.TerminateContainer(testDB.Container)
//	})
//
// The migration source is file://../../migrations, which resolves from any
// internal/<pkg> test since those packages sit at the same depth.
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx,
		testDBImage,
		postgres.WithDatabase("opmsync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogOccurrences).
				WithStartupTimeout(startupTimeout),
		),
	)
	require.NoError(t, err, "start postgres container")
	require.NotNil(t, container, "postgres container is nil")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "container connection string")

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "open test database")

	if err := applyTestMigrations(db); err != nil {
		_ = db.Close()
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("apply migrations: %v", err)
	}

	return &TestDatabase{
		Container:  container,
		Connection: db,
	}
}

// applyTestMigrations runs every up migration against db. A database that is
// already current is fine; migrate.ErrNoChange is swallowed.
func applyTestMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://../../migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
