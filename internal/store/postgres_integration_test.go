//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()
	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	repo := store.NewPostgresStore(pg.DB)

	t.Run("save and load", func(t *testing.T) {
		cfg := flags.Config{
			Name:              "checkout",
			Status:            flags.StatusPercentage,
			RolloutPercentage: 25,
			EnabledUsers:      []string{"alice"},
			Version:           2,
		}
		require.NoError(t, repo.SaveFlag(ctx, cfg))

		got, err := repo.LoadFlags(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "checkout", got[0].Name)
		assert.Equal(t, []string{"alice"}, got[0].EnabledUsers)
		assert.Equal(t, int64(2), got[0].Version)
	})

	t.Run("stale save is ignored", func(t *testing.T) {
		require.NoError(t, repo.SaveFlag(ctx, flags.Config{Name: "checkout", Status: flags.StatusDisabled, Version: 1}))

		got, err := repo.LoadFlags(ctx)
		require.NoError(t, err)
		assert.Equal(t, flags.StatusPercentage, got[0].Status)
	})

	t.Run("newer save wins", func(t *testing.T) {
		require.NoError(t, repo.SaveFlag(ctx, flags.Config{Name: "checkout", Status: flags.StatusKilled, Version: 3}))

		got, err := repo.LoadFlags(ctx)
		require.NoError(t, err)
		assert.Equal(t, flags.StatusKilled, got[0].Status)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.SaveFlag(ctx, flags.Config{Name: "temp", Status: flags.StatusEnabled, Version: 1}))
		require.NoError(t, repo.DeleteFlag(ctx, "temp"))

		got, err := repo.LoadFlags(ctx)
		require.NoError(t, err)
		for _, cfg := range got {
			assert.NotEqual(t, "temp", cfg.Name)
		}
	})

	t.Run("rollback audit log", func(t *testing.T) {
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		records := []rollback.Record{
			{ID: "0b9f3c1e-8f1a-4a55-9d44-3f1f0e6c0a01", FlagName: "checkout", Reason: "errors", Strategy: rollback.StrategyImmediate, PreviousPercentage: 25, TargetVersion: "v1", Timestamp: base},
			{ID: "0b9f3c1e-8f1a-4a55-9d44-3f1f0e6c0a02", FlagName: "checkout", Reason: "complaints", Strategy: rollback.StrategyTargeted, AffectedUserIDs: []string{"u1", "u2"}, Timestamp: base.Add(time.Minute)},
			{ID: "0b9f3c1e-8f1a-4a55-9d44-3f1f0e6c0a03", FlagName: "search", Reason: "slow", Strategy: rollback.StrategyGradual, PreviousPercentage: 80, Timestamp: base.Add(2 * time.Minute)},
		}
		for _, rec := range records {
			require.NoError(t, repo.AppendRollback(ctx, rec))
		}

		err := repo.AppendRollback(ctx, records[0])
		assert.Error(t, err, "records are append-only")

		checkout, err := repo.ListRollbacks(ctx, "checkout")
		require.NoError(t, err)
		require.Len(t, checkout, 2)
		assert.Equal(t, records[0].ID, checkout[0].ID)
		assert.Equal(t, "v1", checkout[0].TargetVersion)
		assert.Nil(t, checkout[0].AffectedUserIDs)
		assert.Equal(t, []string{"u1", "u2"}, checkout[1].AffectedUserIDs)
		assert.True(t, base.Equal(checkout[0].Timestamp))

		all, err := repo.ListRollbacks(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
