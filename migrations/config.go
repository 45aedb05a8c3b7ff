package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Config carries everything the migrator needs to reach the OPMS database.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// VersionTable is the table golang-migrate uses to record the applied
	// schema version. Shared with the sync engine, so changing it on one
	// side without the other makes the schema look unmigrated.
	VersionTable string
}

// LoadConfig reads the migrator configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:  envOr("DATABASE_URL", ""),
		VersionTable: envOr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migrator configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the runner cannot work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL cannot be empty")
	}

	if strings.TrimSpace(c.VersionTable) == "" {
		return errors.New("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String renders the configuration with the database password masked so the
// whole thing is safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, VersionTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.VersionTable)
}

// envOr returns the value of key, or fallback when key is unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

// maskDatabaseURL replaces the password portion of a connection URL with
// asterisks. Passwords containing "@" or ":" are handled; anything that does
// not look like a URL carrying credentials comes back untouched.
func maskDatabaseURL(raw string) string {
	schemeEnd := strings.Index(raw, "//")
	if schemeEnd == -1 {
		return raw
	}

	authority := raw[schemeEnd+2:]
	if cut := strings.IndexAny(authority, "/?#"); cut != -1 {
		authority = authority[:cut]
	}

	// The password itself may contain "@", so the userinfo boundary is the
	// last "@" in the authority section.
	at := strings.LastIndex(authority, "@")
	if at == -1 {
		return raw
	}

	userinfo := authority[:at]

	colon := strings.Index(userinfo, ":")
	if colon == -1 || colon == len(userinfo)-1 {
		return raw
	}

	base := schemeEnd + 2

	return raw[:base+colon+1] + "***" + raw[base+at:]
}
