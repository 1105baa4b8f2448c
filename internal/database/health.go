package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PostgresChecker implements the observability.Checker interface for PostgreSQL.
type PostgresChecker struct {
	pool *pgxpool.Pool
}

// NewPostgresChecker creates a health checker for pool.
func NewPostgresChecker(pool *pgxpool.Pool) *PostgresChecker {
	return &PostgresChecker{pool: pool}
}

// Name returns the component name.
func (h *PostgresChecker) Name() string { return "postgres" }

// Check pings the pool.
func (h *PostgresChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return fmt.Errorf("database connection is nil")
	}
	return h.pool.Ping(ctx)
}

// RedisChecker implements the observability.Checker interface for Redis.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a health checker for client.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// Name returns the component name.
func (h *RedisChecker) Name() string { return "redis" }

// Check sends a PING.
func (h *RedisChecker) Check(ctx context.Context) error {
	if h.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return h.client.Ping(ctx).Err()
}

// SQLiteChecker implements the observability.Checker interface for SQLite.
type SQLiteChecker struct {
	db *sql.DB
}

// NewSQLiteChecker creates a health checker for db.
func NewSQLiteChecker(db *sql.DB) *SQLiteChecker {
	return &SQLiteChecker{db: db}
}

// Name returns the component name.
func (h *SQLiteChecker) Name() string { return "sqlite" }

// Check pings the database.
func (h *SQLiteChecker) Check(ctx context.Context) error {
	if h.db == nil {
		return fmt.Errorf("sqlite handle is nil")
	}
	return h.db.PingContext(ctx)
}
