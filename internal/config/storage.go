package config

import (
	"fmt"
	"time"
)

// Storage backend identifiers.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StorageConfig selects where occurrences and confirmed assignments live.
type StorageConfig struct {
	Occurrences string `envconfig:"OCCURRENCES" default:"memory" validate:"oneof=memory sqlite redis"`
	Assignments string `envconfig:"ASSIGNMENTS" default:"memory" validate:"oneof=memory sqlite postgres"`
}

// UsesPostgres reports whether any store is backed by PostgreSQL.
func (c *StorageConfig) UsesPostgres() bool {
	return c.Assignments == BackendPostgres
}

// UsesRedis reports whether any store is backed by Redis.
func (c *StorageConfig) UsesRedis() bool {
	return c.Occurrences == BackendRedis
}

// UsesSQLite reports whether any store is backed by SQLite.
func (c *StorageConfig) UsesSQLite() bool {
	return c.Occurrences == BackendSQLite || c.Assignments == BackendSQLite
}

// SQLiteConfig configures the embedded database used by the sqlite backend.
type SQLiteConfig struct {
	Path        string        `envconfig:"PATH" default:"paygate.db"`
	BusyTimeout time.Duration `envconfig:"BUSY_TIMEOUT" default:"5s"`
}

// Validate checks SQLiteConfig fields for correctness.
func (c *SQLiteConfig) Validate() error {
	if err := validateNoWhitespace(c.Path, "sqlite path"); err != nil {
		return err
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite busy timeout cannot be negative")
	}
	return nil
}
