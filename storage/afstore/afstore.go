// Package afstore implements the distckpt storage backend on top of the viant/afs abstract file
// system, which gives it local files ("file://" or a plain directory path) and in-memory storage
// ("mem://", handy for tests) out of the box.
//
// Any other scheme supported by an afs connector can reuse this implementation by registering it
// explicitly:
//
//	storage.Register("s3", afstore.New)  // with the matching afs connector imported
package afstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/support/xslices"
	"github.com/gomlx/distckpt/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	astorage "github.com/viant/afs/storage"
	"github.com/viant/afs/url"
	"k8s.io/klog/v2"
)

// Schemes this backend registers itself for.
const (
	SchemeFile = "file"
	SchemeMem  = "mem"
)

func init() {
	storage.Register(SchemeFile, New)
	storage.Register(SchemeMem, New)
}

// Store implements storage.Store on an afs.Service.
type Store struct {
	baseURL string
	fs      afs.Service
}

// Compile-time check that afstore.Store implements storage.Store.
var _ storage.Store = (*Store)(nil)

// New creates a Store addressing baseURL. The base directory is created if missing.
//
// A plain path (no "scheme://" prefix) addresses local files and may start with "~".
func New(ctx context.Context, baseURL string) (storage.Store, error) {
	if baseURL == "" {
		return nil, errors.New("afstore: base URL cannot be empty")
	}
	if !strings.Contains(baseURL, "://") {
		expanded, err := fsutil.ReplaceTildeInDir(baseURL)
		if err != nil {
			return nil, errors.WithMessagef(err, "afstore: expanding %q", baseURL)
		}
		baseURL = expanded
	}
	s := &Store{
		baseURL: url.Normalize(baseURL, file.Scheme),
		fs:      afs.New(),
	}
	if err := s.ensureDir(ctx, s.baseURL); err != nil {
		return nil, errors.WithMessagef(err, "afstore: creating base directory %q", s.baseURL)
	}
	return s, nil
}

// URL returns the base URL this store was created with.
func (s *Store) URL() string { return s.baseURL }

// join resolves a store-relative path to a full URL.
func (s *Store) join(relPath string) string {
	if relPath == "" || relPath == "." {
		return s.baseURL
	}
	return url.Join(s.baseURL, relPath)
}

// ensureDir creates dirURL if missing, tolerating concurrent creators.
func (s *Store) ensureDir(ctx context.Context, dirURL string) error {
	if exists, err := s.fs.Exists(ctx, dirURL); err == nil && exists {
		return nil
	}
	err := s.fs.Create(ctx, dirURL, file.DefaultDirOsMode, true)
	if err != nil {
		// Another rank may have won the race.
		if exists, existsErr := s.fs.Exists(ctx, dirURL); existsErr == nil && exists {
			return nil
		}
		return errors.Wrapf(err, "failed to create directory %q", dirURL)
	}
	return nil
}

// CreateDir implements storage.Store.
func (s *Store) CreateDir(ctx context.Context, dirPath string) error {
	return s.ensureDir(ctx, s.join(dirPath))
}

// CreateSharedDir implements storage.Store.
func (s *Store) CreateSharedDir(ctx context.Context, dirPath string) error {
	return s.ensureDir(ctx, s.join(dirPath))
}

// SaveText implements storage.Store.
func (s *Store) SaveText(ctx context.Context, text, filePath string) error {
	fileURL := s.join(filePath)
	if err := s.fs.Upload(ctx, fileURL, file.DefaultFileOsMode, strings.NewReader(text)); err != nil {
		return errors.Wrapf(err, "failed to write %q", fileURL)
	}
	return nil
}

// LoadText implements storage.Store.
func (s *Store) LoadText(ctx context.Context, filePath string) (string, error) {
	fileURL := s.join(filePath)
	data, err := s.fs.DownloadWithURL(ctx, fileURL)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %q", fileURL)
	}
	return string(data), nil
}

// SaveObject implements storage.Store. The object is uploaded under a unique temporary name and
// then moved into place, so concurrent readers never observe a partially written object.
func (s *Store) SaveObject(ctx context.Context, obj any, filePath string) error {
	data, err := storage.EncodeObject(obj)
	if err != nil {
		return errors.WithMessagef(err, "encoding object for %q", filePath)
	}
	fileURL := s.join(filePath)
	tmpURL := fileURL + ".tmp." + uuid.NewString()
	if err := s.fs.Upload(ctx, tmpURL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "failed to upload %q", tmpURL)
	}
	if err := s.fs.Move(ctx, tmpURL, fileURL); err != nil {
		_ = s.fs.Delete(ctx, tmpURL)
		return errors.Wrapf(err, "failed to move %q into place", fileURL)
	}
	klog.V(2).Infof("afstore: saved object %s (%d bytes)", fileURL, len(data))
	return nil
}

// LoadObject implements storage.Store.
func (s *Store) LoadObject(ctx context.Context, filePath string) (any, error) {
	fileURL := s.join(filePath)
	data, err := s.fs.DownloadWithURL(ctx, fileURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", fileURL)
	}
	obj, err := storage.DecodeObject(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding %q", fileURL)
	}
	return obj, nil
}

// FileExists implements storage.Store.
func (s *Store) FileExists(ctx context.Context, filePath string) (bool, error) {
	exists, err := s.fs.Exists(ctx, s.join(filePath))
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %q", s.join(filePath))
	}
	return exists, nil
}

// RemoveFile implements storage.Store. Removing an already-gone file succeeds.
func (s *Store) RemoveFile(ctx context.Context, filePath string) error {
	fileURL := s.join(filePath)
	exists, err := s.fs.Exists(ctx, fileURL)
	if err != nil {
		return errors.Wrapf(err, "failed to check %q", fileURL)
	}
	if !exists {
		return nil
	}
	if err := s.fs.Delete(ctx, fileURL); err != nil {
		// Lost a race with another deleter.
		if exists, existsErr := s.fs.Exists(ctx, fileURL); existsErr == nil && !exists {
			return nil
		}
		return errors.Wrapf(err, "failed to remove %q", fileURL)
	}
	return nil
}

// RemoveFiles implements storage.Store, removing files in parallel.
func (s *Store) RemoveFiles(ctx context.Context, filePaths []string) error {
	removeErrors := xslices.MapParallel(filePaths, func(filePath string) error {
		return s.RemoveFile(ctx, filePath)
	})
	for _, err := range removeErrors {
		if err != nil {
			return err
		}
	}
	klog.V(2).Infof("afstore: removed %d files under %s", len(filePaths), s.baseURL)
	return nil
}

// RemoveDirs implements storage.Store. Each directory subtree is walked so leftover files
// (written by other ranks) are removed along with the directories themselves.
func (s *Store) RemoveDirs(ctx context.Context, dirPaths []string) error {
	for _, dirPath := range dirPaths {
		if err := s.removeTree(ctx, s.join(dirPath)); err != nil {
			return err
		}
	}
	return nil
}

// removeTree removes everything under dirURL, files first, then directories deepest-first.
func (s *Store) removeTree(ctx context.Context, dirURL string) error {
	exists, err := s.fs.Exists(ctx, dirURL)
	if err != nil {
		return errors.Wrapf(err, "failed to check %q", dirURL)
	}
	if !exists {
		return nil
	}
	objects, err := s.fs.List(ctx, dirURL, option.NewRecursive(true))
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", dirURL)
	}
	var dirURLs []string
	for _, obj := range objects {
		if obj.IsDir() {
			dirURLs = append(dirURLs, obj.URL())
			continue
		}
		if err := s.fs.Delete(ctx, obj.URL()); err != nil {
			return errors.Wrapf(err, "failed to remove %q", obj.URL())
		}
	}
	// Longest URLs are the deepest directories. The listing may or may not include dirURL
	// itself, so it is appended explicitly; double deletion is tolerated below.
	dirURLs = append(dirURLs, dirURL)
	sort.Slice(dirURLs, func(i, j int) bool { return len(dirURLs[i]) > len(dirURLs[j]) })
	for _, u := range dirURLs {
		if err := s.fs.Delete(ctx, u); err != nil {
			if exists, existsErr := s.fs.Exists(ctx, u); existsErr == nil && !exists {
				continue
			}
			return errors.Wrapf(err, "failed to remove directory %q", u)
		}
	}
	return nil
}

// ListFiles implements storage.Store.
func (s *Store) ListFiles(ctx context.Context, dirPath string) ([]string, error) {
	dirURL := s.join(dirPath)
	exists, err := s.fs.Exists(ctx, dirURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check %q", dirURL)
	}
	if !exists {
		return nil, nil
	}
	objects, err := s.fs.List(ctx, dirURL, option.NewRecursive(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", dirURL)
	}
	// Compare path portions only, so scheme and host normalization differences between the
	// listed URL and the object URLs cannot break the prefix math.
	dirURLPath := url.Path(dirURL)
	var files []string
	for _, obj := range objects {
		if obj.IsDir() {
			continue
		}
		rel := strings.Trim(strings.TrimPrefix(url.Path(obj.URL()), dirURLPath), "/")
		if rel == "" {
			continue
		}
		if dirPath != "" && dirPath != "." {
			rel = dirPath + "/" + rel
		}
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

// markerObject returns the "checkpoint" marker object of a tag, or nil if the tag has none.
func (s *Store) markerObject(ctx context.Context, tag string) (astorage.Object, error) {
	tagURL := s.join(tag)
	exists, err := s.fs.Exists(ctx, tagURL)
	if err != nil || !exists {
		return nil, err
	}
	objects, err := s.fs.List(ctx, tagURL, option.NewRecursive(false))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", tagURL)
	}
	for _, obj := range objects {
		if !obj.IsDir() && obj.Name() == storage.CheckpointMarker {
			return obj, nil
		}
	}
	return nil, nil
}

// ListCheckpointTags implements storage.Store. Tags are ordered by the creation time of their
// "checkpoint" marker, ties broken by name.
func (s *Store) ListCheckpointTags(ctx context.Context) ([]string, error) {
	exists, err := s.fs.Exists(ctx, s.baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check %q", s.baseURL)
	}
	if !exists {
		return nil, nil
	}
	objects, err := s.fs.List(ctx, s.baseURL, option.NewRecursive(false))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", s.baseURL)
	}

	type taggedDir struct {
		tag     string
		created time.Time
	}
	var tags []taggedDir
	seen := make(map[string]bool)
	for _, obj := range objects {
		// The listing may include the base directory itself; it is filtered out below
		// because it has no marker of its own.
		if !obj.IsDir() || seen[obj.Name()] {
			continue
		}
		seen[obj.Name()] = true
		marker, err := s.markerObject(ctx, obj.Name())
		if err != nil {
			return nil, err
		}
		if marker == nil {
			continue
		}
		tags = append(tags, taggedDir{tag: obj.Name(), created: marker.ModTime()})
	}
	sort.Slice(tags, func(i, j int) bool {
		if !tags[i].created.Equal(tags[j].created) {
			return tags[i].created.Before(tags[j].created)
		}
		return tags[i].tag < tags[j].tag
	})
	return xslices.Map(tags, func(t taggedDir) string { return t.tag }), nil
}

// ListCompletedCheckpointTags implements storage.Store.
func (s *Store) ListCompletedCheckpointTags(ctx context.Context) ([]string, error) {
	tags, err := s.ListCheckpointTags(ctx)
	if err != nil {
		return nil, err
	}
	var completed []string
	for _, tag := range tags {
		done, err := s.FileExists(ctx, tag+"/"+storage.DoneMarker)
		if err != nil {
			return nil, err
		}
		if done {
			completed = append(completed, tag)
		}
	}
	return completed, nil
}

// IsCheckpointSharded implements storage.Store.
func (s *Store) IsCheckpointSharded(ctx context.Context, tag string) (bool, error) {
	tagURL := s.join(tag)
	exists, err := s.fs.Exists(ctx, tagURL)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %q", tagURL)
	}
	if !exists {
		return false, nil
	}
	objects, err := s.fs.List(ctx, tagURL, option.NewRecursive(true))
	if err != nil {
		return false, errors.Wrapf(err, "failed to list %q", tagURL)
	}
	for _, obj := range objects {
		if obj.IsDir() && strings.HasSuffix(obj.Name(), storage.SuffixShardedTensors) {
			return true, nil
		}
	}
	return false, nil
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }
