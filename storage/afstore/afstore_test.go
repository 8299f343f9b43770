package afstore_test

import (
	"context"
	"testing"

	"github.com/gomlx/distckpt/storage"
	"github.com/gomlx/distckpt/storage/afstore"
	"github.com/gomlx/distckpt/storage/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	storetest.Conformance(t, func(t *testing.T) storage.Store {
		s, err := afstore.New(context.Background(), t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestMemStore(t *testing.T) {
	storetest.Conformance(t, func(t *testing.T) storage.Store {
		// The mem scheme shares one process-wide tree, so each subtest gets a unique base.
		baseURL := "mem://localhost/distckpt-test-" + uuid.NewString()
		s, err := storage.New(context.Background(), baseURL)
		require.NoError(t, err)
		return s
	})
}
