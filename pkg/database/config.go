package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv reads database settings from the environment.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:            envOr("DB_HOST", "localhost"),
		User:            envOr("DB_USER", "postgres"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        envOr("DB_NAME", "experts_panel"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		MaxConns:        25,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	port := envOr("DB_PORT", "5432")
	p, err := strconv.Atoi(port)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT %q: %w", port, err)
	}
	cfg.Port = p

	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConns = n
		}
	}
	return cfg, nil
}

// DSN returns the connection string in keyword form.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
