package main

import (
	"fmt"
	"net/url"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

// Config holds all configuration for the migration tool. There is no
// migrations path: the SQL files are embedded in the binary.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table that tracks applied versions.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a log-safe representation with the password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// maskDatabaseURL replaces the password component of a connection URL so the
// value can be logged. URLs that do not parse are redacted entirely rather
// than risk leaking credentials.
func maskDatabaseURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "(redacted)"
	}

	if parsed.User == nil {
		return rawURL
	}

	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return rawURL
	}

	parsed.User = url.UserPassword(parsed.User.Username(), "***")

	return parsed.String()
}
