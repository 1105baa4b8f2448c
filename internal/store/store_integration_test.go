//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/paygate/internal/store"
	"github.com/rafaeljc/paygate/internal/testsupport"
	"github.com/rafaeljc/paygate/internal/trigger"
)

func TestPostgresAssignments_Integration(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := testsupport.StartPostgresContainer(ctx)
	require.NoError(t, err, "failed to start postgres container")
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	runAssignmentContract(t, store.NewPostgresAssignments(pgContainer.DB, "user-1"))

	t.Run("Should scope assignments by user", func(t *testing.T) {
		other := store.NewPostgresAssignments(pgContainer.DB, "user-2")

		confirmed, err := other.ReadConfirmed(ctx)
		require.NoError(t, err)
		assert.Empty(t, confirmed)

		v := trigger.Variant{ID: "var-h", Type: trigger.VariantHoldout}
		stored, err := other.PersistConfirmed(ctx, "exp-1", v)
		require.NoError(t, err)
		assert.Equal(t, v, stored)
	})
}

func TestRedisOccurrences_Integration(t *testing.T) {
	ctx := context.Background()

	redisContainer, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err, "failed to start redis container")
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	runOccurrenceContract(t, store.NewRedisOccurrences(redisContainer.Client, "test:occurrences"))
}
