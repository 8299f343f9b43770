// Package storage defines the interface a storage system needs to implement to hold checkpoints
// for distckpt.
//
// A Store addresses one checkpoint output directory (the "base URL"); checkpoint tags are
// sub-directories of it and all paths given to a Store are relative to it, "/"-separated.
//
// Implementations are registered per URL scheme (like "file" or "mem") and instantiated with
// New from a base URL. Import the default implementations with:
//
//	import _ "github.com/gomlx/distckpt/storage/default"
package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Marker file names written directly under a checkpoint tag directory.
//
// The "checkpoint" marker distinguishes a checkpoint directory from users' own data directories
// under the same output directory, and its creation time orders the tags. The "done" marker is
// written last and its presence means the checkpoint is complete: a tag without it is either
// still being written or is debris from an interrupted save or deletion.
const (
	CheckpointMarker = "checkpoint"
	DoneMarker       = "done"
)

// SuffixShardedTensors is the suffix of the per-object directory holding individually saved
// tensors when a checkpoint is written in sharded form. Its presence anywhere under a tag marks
// the whole checkpoint as sharded.
const SuffixShardedTensors = ".tensors"

// Store is the API that needs to be implemented by a checkpoint storage backend.
//
// All methods take relative, "/"-separated paths and are safe for concurrent use by the worker
// ranks of one process. Object payloads are gob streams produced by EncodeObject, so concrete
// types carried inside them must be registered with gob (the checkpoint engine registers its
// own types).
type Store interface {
	// URL returns the base URL this store was created with.
	URL() string

	// CreateDir creates a directory (and missing parents). It succeeds if the directory
	// already exists. Call site is typically the coordinator rank only.
	CreateDir(ctx context.Context, dirPath string) error

	// CreateSharedDir is CreateDir for directories that many ranks may create at the same
	// time: concurrent calls for the same path must all succeed.
	CreateSharedDir(ctx context.Context, dirPath string) error

	// SaveText writes text to filePath, creating missing parent directories.
	SaveText(ctx context.Context, text, filePath string) error

	// LoadText reads the contents of filePath as text.
	LoadText(ctx context.Context, filePath string) (string, error)

	// SaveObject writes the gob encoding of obj to filePath, creating missing parent
	// directories. The write must be atomic: a reader sees either the whole object or no
	// file at all, never a partial one.
	SaveObject(ctx context.Context, obj any, filePath string) error

	// LoadObject reads and decodes an object written by SaveObject.
	LoadObject(ctx context.Context, filePath string) (any, error)

	// FileExists reports whether filePath exists.
	FileExists(ctx context.Context, filePath string) (bool, error)

	// RemoveFile removes one file. Removing a file that doesn't exist is not an error:
	// deletions are retried after interruptions.
	RemoveFile(ctx context.Context, filePath string) error

	// RemoveFiles removes the given files, possibly in parallel. Like RemoveFile it
	// tolerates files that are already gone.
	RemoveFiles(ctx context.Context, filePaths []string) error

	// RemoveDirs removes the given directories and anything still inside them.
	RemoveDirs(ctx context.Context, dirPaths []string) error

	// ListFiles returns the store-relative paths of all files under dirPath, recursively,
	// in lexical order. A dirPath that doesn't exist yields an empty list.
	ListFiles(ctx context.Context, dirPath string) ([]string, error)

	// ListCheckpointTags returns the tags of all checkpoint directories (directories with a
	// "checkpoint" marker), ordered oldest to newest by marker creation.
	ListCheckpointTags(ctx context.Context) ([]string, error)

	// ListCompletedCheckpointTags returns the tags that also have a "done" marker, in the
	// same order as ListCheckpointTags.
	ListCompletedCheckpointTags(ctx context.Context) ([]string, error)

	// IsCheckpointSharded reports whether the given tag was saved in sharded form, i.e.
	// whether any "*.tensors" directory exists under it.
	IsCheckpointSharded(ctx context.Context, tag string) (bool, error)

	// Close releases resources held by the store.
	Close() error
}

// Constructor takes the base URL the store should address and returns a Store.
type Constructor func(ctx context.Context, baseURL string) (Store, error)

var registeredConstructors = make(map[string]Constructor)

// Register a storage backend constructor for the given URL scheme.
//
// To be safe, call Register during initialization of a package.
func Register(scheme string, constructor Constructor) {
	registeredConstructors[scheme] = constructor
}

// DefaultScheme is assumed when the base URL carries no "<scheme>://" prefix, so a plain
// directory path addresses local files.
const DefaultScheme = "file"

// SchemeOf returns the URL scheme of baseURL, or DefaultScheme if it has none.
func SchemeOf(baseURL string) string {
	if idx := strings.Index(baseURL, "://"); idx != -1 {
		return baseURL[:idx]
	}
	return DefaultScheme
}

// New creates the Store addressing baseURL, dispatching on its URL scheme.
//
// It panics if no storage backend was registered at all (an import is missing); an unknown
// scheme returns an error.
func New(ctx context.Context, baseURL string) (Store, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no storage backends registered for distckpt -- maybe import the default ones with import _ "github.com/gomlx/distckpt/storage/default"?`)
	}
	scheme := SchemeOf(baseURL)
	constructor, found := registeredConstructors[scheme]
	if !found {
		return nil, errors.Errorf("no storage backend registered for scheme %q (base URL %q)", scheme, baseURL)
	}
	store, err := constructor(ctx, baseURL)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %q storage for %q", scheme, baseURL)
	}
	return store, nil
}

// gobEnvelope wraps values written by SaveObject: gob cannot decode a bare stream into an empty
// interface, but it can decode an interface-typed field whose concrete type was registered.
type gobEnvelope struct {
	Value any
}

// EncodeObject returns the gob encoding of obj as stored by Store.SaveObject.
func EncodeObject(obj any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(gobEnvelope{Value: obj}); err != nil {
		return nil, errors.Wrapf(err, "failed to gob-encode object of type %T", obj)
	}
	return buf.Bytes(), nil
}

// DecodeObject decodes a stream produced by EncodeObject.
func DecodeObject(data []byte) (any, error) {
	var envelope gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&envelope); err != nil {
		return nil, errors.Wrap(err, "failed to gob-decode object")
	}
	return envelope.Value, nil
}
