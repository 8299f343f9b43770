package checkpoints

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/distckpt/storage"
	"github.com/gomlx/distckpt/storage/afstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedTags creates checkpoint tag directories in order; tags listed in completed also get
// their completion marker.
func seedTags(t *testing.T, store storage.Store, tags []string, completed ...string) {
	t.Helper()
	ctx := context.Background()
	done := make(map[string]bool, len(completed))
	for _, tag := range completed {
		done[tag] = true
	}
	for _, tag := range tags {
		require.NoError(t, store.CreateDir(ctx, tag))
		require.NoError(t, store.SaveText(ctx, "1", tag+"/"+storage.CheckpointMarker))
		if done[tag] {
			require.NoError(t, store.SaveText(ctx, "1", tag+"/"+storage.DoneMarker))
		}
		time.Sleep(5 * time.Millisecond) // keep marker timestamps apart
	}
}

func TestRemoveCandidates(t *testing.T) {
	ctx := context.Background()
	newStore := func(t *testing.T) storage.Store {
		store, err := afstore.New(ctx, t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { assert.NoError(t, store.Close()) })
		return store
	}

	t.Run("EmptyStore", func(t *testing.T) {
		got, err := removeCandidates(ctx, newStore(t), 1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("KeepsNewest", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2", "step-3"}, "step-1", "step-2", "step-3")
		got, err := removeCandidates(ctx, store, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"step-1"}, got)
	})

	t.Run("UnderBudgetKeepsAll", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2"}, "step-1", "step-2")
		got, err := removeCandidates(ctx, store, 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("KeepAllDisablesPruning", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2", "step-3"}, "step-1", "step-2", "step-3")
		got, err := removeCandidates(ctx, store, KeepAll)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ZeroRemovesEverythingCompleted", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2"}, "step-1", "step-2")
		got, err := removeCandidates(ctx, store, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"step-1", "step-2"}, got)
	})

	t.Run("LeadingIncompleteIsDebris", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2", "step-3"}, "step-2", "step-3")
		got, err := removeCandidates(ctx, store, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"step-1"}, got)
	})

	t.Run("TrailingIncompleteIsInFlight", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2", "step-3"}, "step-1", "step-2")
		got, err := removeCandidates(ctx, store, 1)
		require.NoError(t, err)
		// step-3 has no completion marker but comes after completed checkpoints, so
		// it is an in-flight save, not debris.
		assert.Equal(t, []string{"step-1"}, got)
	})

	t.Run("DebrisRemovedEvenAtBudget", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2", "step-3"}, "step-3")
		got, err := removeCandidates(ctx, store, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"step-1", "step-2"}, got)
	})

	t.Run("NoCompletedEverythingIsDebris", func(t *testing.T) {
		store := newStore(t)
		seedTags(t, store, []string{"step-1", "step-2"})
		got, err := removeCandidates(ctx, store, KeepAll)
		require.NoError(t, err)
		assert.Equal(t, []string{"step-1", "step-2"}, got)
	})
}
