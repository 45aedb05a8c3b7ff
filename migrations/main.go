// The opmsync migrator applies versioned schema migrations to the OPMS
// database. All SQL is compiled into the binary via go:embed, so the tool
// needs nothing beyond a DATABASE_URL to bring a fresh database up to the
// current schema, triggers included.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

// Set at build time via -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const toolName = "opmsync-migrate"

func main() {
	var (
		helpFlag    = flag.Bool("help", false, "Show usage information")
		versionFlag = flag.Bool("version", false, "Show build information")
	)

	flag.Parse()

	if *versionFlag {
		printBuildInfo()
		os.Exit(0)
	}

	if *helpFlag || flag.NArg() == 0 {
		printUsage()
		os.Exit(0)
	}

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("migration config: %v", err)
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("migration runner: %v", err)
	}
	defer func() {
		_ = runner.Close()
	}()

	if err := runCommand(flag.Arg(0), runner); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

// runCommand dispatches a CLI command to the runner.
func runCommand(command string, runner MigrationRunner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		return confirmDrop(runner)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// confirmDrop prompts before dropping, since drop destroys the whole schema
// including any queued sync jobs.
func confirmDrop(runner MigrationRunner) error {
	fmt.Print("WARNING: this drops every table, including queued sync jobs. Continue? (y/N): ")

	var answer string

	_, _ = fmt.Scanln(&answer)

	if answer != "y" && answer != "Y" {
		fmt.Println("Cancelled.")

		return nil
	}

	return runner.Drop()
}

// printBuildInfo displays build metadata.
func printBuildInfo() {
	fmt.Printf("%s v%s\n", toolName, Version)
	fmt.Printf("commit %s, built %s\n", GitCommit, BuildTime)
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s v%s - schema migrations for the OPMS sync engine database

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply every pending migration
    down    Roll back the most recent migration
    status  Show applied version, dirty state, and schema compatibility
    version Show the current schema version
    drop    Drop all tables (asks for confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show build information

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (required)
    MIGRATION_TABLE  Version tracking table (default: schema_migrations)

The migration SQL is embedded in the binary; no files need to be shipped
alongside it.
`, toolName, Version, toolName)
}
