// Package storetest holds the conformance suite every storage.Store implementation must pass.
//
// Implementation test packages call Conformance with a factory that returns a fresh, empty store,
// and get the whole Store contract exercised: text and object round-trips, marker-based tag
// listing and ordering, tolerant removal, and sharded-layout detection.
package storetest

import (
	"context"
	"encoding/gob"
	"testing"
	"time"

	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Concrete types carried through SaveObject/LoadObject in this suite.
	gob.Register(map[string]any{})
	gob.Register(&tensors.Tensor{})
}

// Factory returns a fresh, empty store for one subtest. Stores are closed by the suite.
type Factory func(t *testing.T) storage.Store

// makeTag creates a checkpoint tag directory with its "checkpoint" marker, the way the engine
// coordinator does at the beginning of a save cycle.
func makeTag(ctx context.Context, t *testing.T, s storage.Store, tag string) {
	t.Helper()
	require.NoError(t, s.CreateDir(ctx, tag))
	require.NoError(t, s.SaveText(ctx, "1", tag+"/"+storage.CheckpointMarker))
}

// markDone completes a tag.
func markDone(ctx context.Context, t *testing.T, s storage.Store, tag string) {
	t.Helper()
	require.NoError(t, s.SaveText(ctx, "1", tag+"/"+storage.DoneMarker))
}

// Conformance runs the storage.Store contract suite against stores built by factory.
func Conformance(t *testing.T, factory Factory) {
	ctx := context.Background()

	newStore := func(t *testing.T) storage.Store {
		s := factory(t)
		t.Cleanup(func() { require.NoError(t, s.Close()) })
		return s
	}

	t.Run("URL", func(t *testing.T) {
		s := newStore(t)
		assert.NotEmpty(t, s.URL())
	})

	t.Run("TextRoundTrip", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveText(ctx, "1", "tag0/checkpoint"))
		text, err := s.LoadText(ctx, "tag0/checkpoint")
		require.NoError(t, err)
		assert.Equal(t, "1", text)

		// Overwrite.
		require.NoError(t, s.SaveText(ctx, "2", "tag0/checkpoint"))
		text, err = s.LoadText(ctx, "tag0/checkpoint")
		require.NoError(t, err)
		assert.Equal(t, "2", text)

		_, err = s.LoadText(ctx, "tag0/no-such-file")
		require.Error(t, err)
	})

	t.Run("ObjectRoundTrip", func(t *testing.T) {
		s := newStore(t)
		obj := map[string]any{
			"step":   int64(17),
			"loss":   3.25,
			"name":   "run7",
			"tensor": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		}
		require.NoError(t, s.SaveObject(ctx, obj, "tag0/model/state.pt"))

		loaded, err := s.LoadObject(ctx, "tag0/model/state.pt")
		require.NoError(t, err)
		got, ok := loaded.(map[string]any)
		require.True(t, ok, "expected map[string]any, got %T", loaded)
		assert.Equal(t, int64(17), got["step"])
		assert.Equal(t, 3.25, got["loss"])
		assert.Equal(t, "run7", got["name"])
		tensor, ok := got["tensor"].(*tensors.Tensor)
		require.True(t, ok, "expected *tensors.Tensor, got %T", got["tensor"])
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](tensor))
		assert.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)

		_, err = s.LoadObject(ctx, "tag0/model/no-such-object.pt")
		require.Error(t, err)
	})

	t.Run("FileExists", func(t *testing.T) {
		s := newStore(t)
		exists, err := s.FileExists(ctx, "tag0/done")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, s.SaveText(ctx, "1", "tag0/done"))
		exists, err = s.FileExists(ctx, "tag0/done")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("CreateDirIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDir(ctx, "tag0"))
		require.NoError(t, s.CreateDir(ctx, "tag0"))
		require.NoError(t, s.CreateSharedDir(ctx, "tag0/model"))
		require.NoError(t, s.CreateSharedDir(ctx, "tag0/model"))
	})

	t.Run("RemoveFile", func(t *testing.T) {
		s := newStore(t)
		// Removing a file that was never written succeeds: deletions are retried.
		require.NoError(t, s.RemoveFile(ctx, "tag0/gone"))

		require.NoError(t, s.SaveText(ctx, "1", "tag0/present"))
		require.NoError(t, s.RemoveFile(ctx, "tag0/present"))
		exists, err := s.FileExists(ctx, "tag0/present")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("RemoveFiles", func(t *testing.T) {
		s := newStore(t)
		files := []string{"tag0/a", "tag0/b", "tag0/sub/c"}
		for _, f := range files {
			require.NoError(t, s.SaveText(ctx, "x", f))
		}
		// Mix in one already-gone path.
		require.NoError(t, s.RemoveFiles(ctx, append([]string{"tag0/never-existed"}, files...)))
		for _, f := range files {
			exists, err := s.FileExists(ctx, f)
			require.NoError(t, err)
			assert.False(t, exists, "file %q should be gone", f)
		}
	})

	t.Run("RemoveDirs", func(t *testing.T) {
		s := newStore(t)
		makeTag(ctx, t, s, "tag0")
		require.NoError(t, s.SaveText(ctx, "x", "tag0/model/a.pt"))
		require.NoError(t, s.SaveText(ctx, "x", "tag0/model/a.pt.tensors/tensor_0.pt"))
		makeTag(ctx, t, s, "tag1")

		require.NoError(t, s.RemoveDirs(ctx, []string{"tag0"}))

		exists, err := s.FileExists(ctx, "tag0/model/a.pt")
		require.NoError(t, err)
		assert.False(t, exists)
		tags, err := s.ListCheckpointTags(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"tag1"}, tags)

		// Removing again is fine.
		require.NoError(t, s.RemoveDirs(ctx, []string{"tag0"}))

		// Directory names match literally: dropping "run_1" must not touch "runX1".
		require.NoError(t, s.SaveText(ctx, "x", "run_1/f.pt"))
		require.NoError(t, s.SaveText(ctx, "x", "runX1/f.pt"))
		require.NoError(t, s.RemoveDirs(ctx, []string{"run_1"}))
		exists, err = s.FileExists(ctx, "runX1/f.pt")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("ListFiles", func(t *testing.T) {
		s := newStore(t)
		files, err := s.ListFiles(ctx, "no-such-dir")
		require.NoError(t, err)
		assert.Empty(t, files)

		makeTag(ctx, t, s, "tag0")
		require.NoError(t, s.SaveText(ctx, "x", "tag0/model/b.pt"))
		require.NoError(t, s.CreateSharedDir(ctx, "tag0/model/a.pt.tensors"))
		require.NoError(t, s.SaveText(ctx, "x", "tag0/model/a.pt.tensors/tensor_0.pt"))
		require.NoError(t, s.SaveText(ctx, "x", "tag0/scheduler.pt"))
		makeTag(ctx, t, s, "tag1") // must not leak into tag0 listings

		files, err = s.ListFiles(ctx, "tag0")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"tag0/checkpoint",
			"tag0/model/a.pt.tensors/tensor_0.pt",
			"tag0/model/b.pt",
			"tag0/scheduler.pt",
		}, files)

		files, err = s.ListFiles(ctx, "tag0/model")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"tag0/model/a.pt.tensors/tensor_0.pt",
			"tag0/model/b.pt",
		}, files)

		// Underscores in a directory path match literally, never as wildcards.
		require.NoError(t, s.SaveText(ctx, "x", "tag_2/f.pt"))
		require.NoError(t, s.SaveText(ctx, "x", "tagX2/f.pt"))
		files, err = s.ListFiles(ctx, "tag_2")
		require.NoError(t, err)
		assert.Equal(t, []string{"tag_2/f.pt"}, files)
	})

	t.Run("ListCheckpointTags", func(t *testing.T) {
		s := newStore(t)
		tags, err := s.ListCheckpointTags(ctx)
		require.NoError(t, err)
		assert.Empty(t, tags)

		// Only directories carrying a "checkpoint" marker count as tags.
		require.NoError(t, s.CreateDir(ctx, "users-own-data"))
		require.NoError(t, s.SaveText(ctx, "notes", "users-own-data/readme.txt"))

		makeTag(ctx, t, s, "step-100")
		tags, err = s.ListCheckpointTags(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"step-100"}, tags)

		markDone(ctx, t, s, "step-100")
		completed, err := s.ListCompletedCheckpointTags(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"step-100"}, completed)
	})

	t.Run("TagOrderFollowsCreation", func(t *testing.T) {
		s := newStore(t)
		// Deliberately created in non-lexical order; listing must follow creation order.
		for _, tag := range []string{"zulu", "alpha", "mike"} {
			makeTag(ctx, t, s, tag)
			time.Sleep(10 * time.Millisecond) // keep marker timestamps apart
		}
		tags, err := s.ListCheckpointTags(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"zulu", "alpha", "mike"}, tags)

		markDone(ctx, t, s, "alpha")
		markDone(ctx, t, s, "zulu")
		completed, err := s.ListCompletedCheckpointTags(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"zulu", "alpha"}, completed)
	})

	t.Run("IsCheckpointSharded", func(t *testing.T) {
		s := newStore(t)
		makeTag(ctx, t, s, "plain")
		require.NoError(t, s.SaveText(ctx, "x", "plain/model/a.pt"))
		sharded, err := s.IsCheckpointSharded(ctx, "plain")
		require.NoError(t, err)
		assert.False(t, sharded)

		makeTag(ctx, t, s, "shardy")
		require.NoError(t, s.CreateSharedDir(ctx, "shardy/model/a.pt.tensors"))
		require.NoError(t, s.SaveText(ctx, "x", "shardy/model/a.pt.tensors/tensor_0.pt"))
		sharded, err = s.IsCheckpointSharded(ctx, "shardy")
		require.NoError(t, err)
		assert.True(t, sharded)
	})
}
