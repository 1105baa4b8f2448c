// Package database provides the connection factories of the storage
// backends (PostgreSQL, Redis, SQLite) and their health checkers.
package database

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/paygate/internal/config"
	"github.com/rafaeljc/paygate/internal/logger"
)

// NewPostgresPool initializes a PostgreSQL connection pool and verifies it
// with a retried ping. The caller owns the pool.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	// 1. Parse the configuration string
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 2. Pool tuning
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if _, set := poolCfg.ConnConfig.RuntimeParams["application_name"]; !set {
			poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
		}
	}

	// 3. Create the pool; connections are established lazily
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 4. Verify connectivity before handing the pool out
	err = pingWithRetry(ctx, "postgres", cfg.PingMaxRetries, cfg.PingBackoff, pool.Ping)
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.FromContext(ctx).Info("connected to postgres",
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return pool, nil
}

// MigratePostgres applies every embedded PostgreSQL migration. The
// statements are idempotent, so it is safe to run on every start.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.Glob(PostgresMigrations, "migrations/postgres/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		body, err := fs.ReadFile(PostgresMigrations, file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}
	return nil
}
