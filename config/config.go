// Package config loads engine configuration from environment variables. The
// engine itself treats connection parameters as an opaque bag; this package
// is the provider that fills it in.
package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"

	"github.com/anitrack/anitrackmigrate/anidriver/anipgxv5"
)

// Config is the environment configuration of the migration tool.
type Config struct {
	// Database connection parameters for the Postgres driver.
	DatabaseHost     string `env:"ANITRACK_DB_HOST" envDefault:"localhost"`
	DatabasePort     int    `env:"ANITRACK_DB_PORT" envDefault:"5432"`
	DatabaseUser     string `env:"ANITRACK_DB_USER" envDefault:"postgres"`
	DatabasePassword string `env:"ANITRACK_DB_PASSWORD"`
	DatabaseSSLMode  string `env:"ANITRACK_DB_SSLMODE"`

	// DatabaseName is the target database migrations run against.
	DatabaseName string `env:"ANITRACK_DB_NAME" envDefault:"anitrack"`

	// AdminDatabaseName is the administrative database used to create the
	// target when it doesn't exist yet.
	AdminDatabaseName string `env:"ANITRACK_DB_ADMIN_NAME" envDefault:"postgres"`

	// ArtifactDir is the directory holding schema migration artifacts.
	ArtifactDir string `env:"ANITRACK_ARTIFACT_DIR" envDefault:"database"`

	// LogLevel is the minimum level emitted by the tool's logger.
	LogLevel slog.Level `env:"ANITRACK_LOG_LEVEL" envDefault:"info"`
}

// Load parses configuration from the process environment.
func Load() (*Config, error) {
	var config Config
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("error parsing environment configuration: %w", err)
	}
	return &config, nil
}

// ConnectParams returns the Postgres connection parameters described by the
// configuration.
func (c *Config) ConnectParams() *anipgxv5.ConnectParams {
	return &anipgxv5.ConnectParams{
		Host:          c.DatabaseHost,
		Port:          c.DatabasePort,
		User:          c.DatabaseUser,
		Password:      c.DatabasePassword,
		AdminDatabase: c.AdminDatabaseName,
		SSLMode:       c.DatabaseSSLMode,
	}
}
