package storage_test

import (
	"context"
	"encoding/gob"
	"testing"

	"github.com/gomlx/distckpt/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeOf(t *testing.T) {
	assert.Equal(t, "file", storage.SchemeOf("file:///var/ckpts"))
	assert.Equal(t, "mem", storage.SchemeOf("mem://localhost/ckpts"))
	assert.Equal(t, "sqlite", storage.SchemeOf("sqlite:///var/ckpts.db"))
	// A plain directory path defaults to local files.
	assert.Equal(t, storage.DefaultScheme, storage.SchemeOf("/var/ckpts"))
	assert.Equal(t, storage.DefaultScheme, storage.SchemeOf("relative/dir"))
}

type fakeStore struct {
	storage.Store
	baseURL string
}

func (f *fakeStore) URL() string { return f.baseURL }

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	// Nothing registered yet in this test binary: New must panic with an import hint.
	require.Panics(t, func() { _, _ = storage.New(ctx, "anything") })

	storage.Register("fake", func(ctx context.Context, baseURL string) (storage.Store, error) {
		return &fakeStore{baseURL: baseURL}, nil
	})

	s, err := storage.New(ctx, "fake://somewhere")
	require.NoError(t, err)
	assert.Equal(t, "fake://somewhere", s.URL())

	_, err = storage.New(ctx, "unknown://somewhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no storage backend registered")
}

type payload struct {
	Step int64
	Name string
}

func TestObjectCodec(t *testing.T) {
	gob.Register(payload{})

	data, err := storage.EncodeObject(payload{Step: 42, Name: "run7"})
	require.NoError(t, err)

	obj, err := storage.DecodeObject(data)
	require.NoError(t, err)
	assert.Equal(t, payload{Step: 42, Name: "run7"}, obj)

	_, err = storage.DecodeObject([]byte("not a gob stream"))
	require.Error(t, err)
}
