package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/trigger"
	"github.com/rafaeljc/paygate/internal/validation"
)

var _ assignment.Store = (*PostgresAssignments)(nil)

// PostgresAssignments stores the confirmed assignments of one user in a
// shared PostgreSQL database.
type PostgresAssignments struct {
	db     *pgxpool.Pool
	userID string
}

// NewPostgresAssignments creates an assignment store scoped to userID.
func NewPostgresAssignments(db *pgxpool.Pool, userID string) *PostgresAssignments {
	validation.AssertNotNil(db, "database pool")
	if userID == "" {
		panic("store: user id cannot be empty")
	}
	return &PostgresAssignments{db: db, userID: userID}
}

// ReadConfirmed loads every confirmed assignment of the user.
func (s *PostgresAssignments) ReadConfirmed(ctx context.Context) (map[string]trigger.Variant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT experiment_id, variant_id, variant_type, COALESCE(paywall_id, '')
		FROM confirmed_assignments
		WHERE user_id = $1
	`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmed assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]trigger.Variant)
	for rows.Next() {
		var experimentID, variantType string
		var v trigger.Variant
		if err := rows.Scan(&experimentID, &v.ID, &variantType, &v.PaywallID); err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		v.Type = trigger.VariantType(variantType)
		out[experimentID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// PersistConfirmed inserts the variant unless another process confirmed the
// experiment first. The returned variant is whichever row won.
func (s *PostgresAssignments) PersistConfirmed(ctx context.Context, experimentID string, v trigger.Variant) (trigger.Variant, error) {
	query := `
		WITH inserted AS (
			INSERT INTO confirmed_assignments (user_id, experiment_id, variant_id, variant_type, paywall_id)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			ON CONFLICT (user_id, experiment_id) DO NOTHING
			RETURNING variant_id, variant_type, COALESCE(paywall_id, '')
		)
		SELECT variant_id, variant_type, paywall_id FROM inserted
		UNION ALL
		SELECT variant_id, variant_type, COALESCE(paywall_id, '')
		FROM confirmed_assignments
		WHERE user_id = $1 AND experiment_id = $2
		LIMIT 1
	`

	var stored trigger.Variant
	var variantType string
	err := s.db.QueryRow(ctx, query, s.userID, experimentID, v.ID, string(v.Type), v.PaywallID).
		Scan(&stored.ID, &variantType, &stored.PaywallID)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row was committed after this statement's snapshot.
		err = s.db.QueryRow(ctx, `
			SELECT variant_id, variant_type, COALESCE(paywall_id, '')
			FROM confirmed_assignments
			WHERE user_id = $1 AND experiment_id = $2
		`, s.userID, experimentID).Scan(&stored.ID, &variantType, &stored.PaywallID)
	}
	if err != nil {
		return trigger.Variant{}, fmt.Errorf("failed to persist assignment for %q: %w", experimentID, err)
	}
	stored.Type = trigger.VariantType(variantType)
	return stored, nil
}
