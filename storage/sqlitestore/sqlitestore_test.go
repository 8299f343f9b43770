package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gomlx/distckpt/storage"
	"github.com/gomlx/distckpt/storage/sqlitestore"
	"github.com/gomlx/distckpt/storage/storetest"
	"github.com/stretchr/testify/require"
)

func TestFileBackedStore(t *testing.T) {
	storetest.Conformance(t, func(t *testing.T) storage.Store {
		dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
		s, err := storage.New(context.Background(), "sqlite://"+dbPath)
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStore(t *testing.T) {
	storetest.Conformance(t, func(t *testing.T) storage.Store {
		s, err := sqlitestore.New(context.Background(), "sqlite://:memory:")
		require.NoError(t, err)
		return s
	})
}
