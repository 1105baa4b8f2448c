package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/occurrence"
	"github.com/rafaeljc/paygate/internal/trigger"
	"github.com/rafaeljc/paygate/internal/validation"
)

var (
	_ occurrence.AtomicStore = (*SQLiteStore)(nil)
	_ assignment.Store       = (*SQLiteStore)(nil)
)

// SQLiteStore persists occurrences and confirmed assignments in a local
// SQLite file opened by database.OpenSQLite. Instants are stored as unix
// milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	validation.AssertNotNil(db, "sqlite database")
	return &SQLiteStore{db: db}
}

// CountSince counts occurrences of key recorded at or after since.
func (s *SQLiteStore) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM occurrences WHERE key = ? AND recorded_at >= ?`,
		key, millis(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count occurrences of %q: %w", key, err)
	}
	return count, nil
}

// Record appends an occurrence of key.
func (s *SQLiteStore) Record(ctx context.Context, key string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO occurrences (key, recorded_at) VALUES (?, ?)`,
		key, millis(at),
	); err != nil {
		return fmt.Errorf("failed to record occurrence of %q: %w", key, err)
	}
	return nil
}

// RecordIfBelow prunes, counts and records inside one transaction.
func (s *SQLiteStore) RecordIfBelow(ctx context.Context, key string, since, at time.Time, max int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !since.IsZero() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM occurrences WHERE key = ? AND recorded_at < ?`,
			key, millis(since),
		); err != nil {
			return false, fmt.Errorf("failed to prune occurrences of %q: %w", key, err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM occurrences WHERE key = ? AND recorded_at >= ?`,
		key, millis(since),
	).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count occurrences of %q: %w", key, err)
	}
	if count >= max {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit occurrence prune of %q: %w", key, err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO occurrences (key, recorded_at) VALUES (?, ?)`,
		key, millis(at),
	); err != nil {
		return false, fmt.Errorf("failed to record occurrence of %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit occurrence of %q: %w", key, err)
	}
	return true, nil
}

// ReadConfirmed loads every confirmed assignment.
func (s *SQLiteStore) ReadConfirmed(ctx context.Context) (map[string]trigger.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id, variant_id, variant_type, COALESCE(paywall_id, '')
		FROM confirmed_assignments
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmed assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]trigger.Variant)
	for rows.Next() {
		var experimentID string
		var v trigger.Variant
		if err := rows.Scan(&experimentID, &v.ID, &v.Type, &v.PaywallID); err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		out[experimentID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// PersistConfirmed inserts the variant unless the experiment is already
// confirmed, then reads back the stored row.
func (s *SQLiteStore) PersistConfirmed(ctx context.Context, experimentID string, v trigger.Variant) (trigger.Variant, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO confirmed_assignments
			(experiment_id, variant_id, variant_type, paywall_id, confirmed_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?)
	`, experimentID, v.ID, string(v.Type), v.PaywallID, millis(time.Now())); err != nil {
		return trigger.Variant{}, fmt.Errorf("failed to persist assignment for %q: %w", experimentID, err)
	}

	var stored trigger.Variant
	if err := s.db.QueryRowContext(ctx, `
		SELECT variant_id, variant_type, COALESCE(paywall_id, '')
		FROM confirmed_assignments
		WHERE experiment_id = ?
	`, experimentID).Scan(&stored.ID, &stored.Type, &stored.PaywallID); err != nil {
		return trigger.Variant{}, fmt.Errorf("failed to read assignment for %q: %w", experimentID, err)
	}
	return stored, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
