package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// MigrationRunner is the set of operations the CLI can run against the
	// sync engine schema.
	MigrationRunner interface {
		// Up applies every pending migration.
		Up() error

		// Down rolls back the most recent migration.
		Down() error

		// Status reports the applied version and schema compatibility.
		Status() error

		// Version reports the current schema version.
		Version() error

		// Drop removes every table in the database.
		Drop() error

		// Close releases database and source handles.
		Close() error
	}

	// Runner implements MigrationRunner on top of golang-migrate with the
	// embedded migration set as its source.
	Runner struct {
		config  *Config
		migrate *migrate.Migrate
		db      *sql.DB
		set     *MigrationSet
	}

	// engineLog adapts the standard logger to golang-migrate's Logger
	// interface, and to io.Writer for tooling that wants one.
	engineLog struct{}
)

var (
	_ migrate.Logger = (*engineLog)(nil)
	_ io.Writer      = (*engineLog)(nil)
)

// NewMigrationRunner validates the embedded migration set, connects to the
// database, and wires golang-migrate to the embedded source.
func NewMigrationRunner(config *Config) (*Runner, error) {
	log.Printf("Starting migrator with %s", config)

	set := NewMigrationSet(nil)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration set is invalid: %w", err)
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: config.VersionTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(set.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &engineLog{}

	return &Runner{
		config:  config,
		migrate: m,
		db:      db,
		set:     set,
	}, nil
}

// Up applies every migration the database has not seen yet. The embedded set
// is revalidated first so a tampered binary fails before touching the schema.
func (r *Runner) Up() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("migration set validation failed: %w", err)
	}

	log.Println("Applying pending migrations...")

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("Schema already up to date, nothing to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		log.Println("All pending migrations applied")
	}

	return nil
}

// Down rolls back only the most recent migration. Rolling back further takes
// repeated invocations, which keeps accidents small.
func (r *Runner) Down() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("migration set validation failed: %w", err)
	}

	log.Println("Rolling back most recent migration...")

	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No applied migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		log.Println("Rolled back one migration")
	}

	return nil
}

// Status reports the applied schema version, whether the last run left the
// schema dirty, and how the database compares to what this binary carries.
func (r *Runner) Status() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Migration status: no migrations applied yet")
			r.reportCompatibility(0)

			return nil
		}

		return fmt.Errorf("failed to read migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (manual repair needed)"
	}

	log.Printf("Migration status: version %d (%s)", version, state)

	r.reportCompatibility(int(version)) // #nosec G115 - migration versions are small

	return nil
}

// Version prints the current schema version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Current version: none (no migrations applied)")
			r.reportCompatibility(0)

			return nil
		}

		return fmt.Errorf("failed to read migration version: %w", err)
	}

	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}

	log.Printf("Current version: %d%s", version, suffix)

	r.reportCompatibility(int(version)) // #nosec G115 - migration versions are small

	return nil
}

// Drop removes every table in the database, including the version table and
// any queued sync jobs. The CLI asks for confirmation before calling this.
func (r *Runner) Drop() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("migration set validation failed: %w", err)
	}

	log.Println("Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped")

	return nil
}

// Close shuts down the migrate instance and the underlying connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// reportCompatibility compares the database schema version against the
// highest version embedded in this binary.
func (r *Runner) reportCompatibility(current int) {
	supported := r.set.MaxVersion()

	log.Printf("Schema compatibility:")
	log.Printf("  Database schema: v%03d", current)
	log.Printf("  Binary supports: v%03d", supported)

	switch {
	case current == supported:
		log.Printf("  Status: ✅ up to date")
	case current < supported:
		log.Printf("  Status: ⬆️  %d migration(s) pending, run 'up' to apply", supported-current)
	default:
		log.Printf("  Status: ⚠️  database schema v%03d is newer than this binary", current)
		log.Printf("  Update the migrator before running further commands")
	}
}

func (l *engineLog) Printf(format string, v ...any) {
	log.Printf("[migrate] "+format, v...)
}

func (l *engineLog) Verbose() bool {
	return true
}

func (l *engineLog) Write(p []byte) (int, error) {
	log.Printf("[migrate] %s", p)

	return len(p), nil
}
