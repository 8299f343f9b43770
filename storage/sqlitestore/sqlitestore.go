// Package sqlitestore implements the distckpt storage backend on a single SQLite database file,
// which keeps a whole checkpoint directory tree (markers, objects, tensors) in one transactional
// file.
//
// Base URLs look like "sqlite:///var/ckpts/run7.db"; "sqlite://:memory:" gives a private
// in-memory store (handy for tests).
package sqlitestore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/gomlx/distckpt/storage"
	"github.com/pkg/errors"
)

// Scheme this backend registers itself for.
const Scheme = "sqlite"

func init() {
	storage.Register(Scheme, New)
}

const createObjectsTable = `
CREATE TABLE IF NOT EXISTS objects (
    path       TEXT PRIMARY KEY,
    is_dir     INTEGER NOT NULL,
    seq        INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    data       BLOB
)`

// Store implements storage.Store on a SQLite database. Every file and directory of the logical
// checkpoint tree is one row in the objects table; the row sequence number plays the role the
// file creation time plays on a real file system.
type Store struct {
	baseURL string
	db      *sql.DB
}

// Compile-time check that sqlitestore.Store implements storage.Store.
var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the SQLite database addressed by baseURL.
func New(ctx context.Context, baseURL string) (storage.Store, error) {
	dbPath := strings.TrimPrefix(baseURL, Scheme+"://")
	if dbPath == "" {
		return nil, errors.Errorf("sqlitestore: no database path in base URL %q", baseURL)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %q", dbPath)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own private database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to set WAL mode")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}
	if _, err := db.ExecContext(ctx, createObjectsTable); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create objects table")
	}
	return &Store{baseURL: baseURL, db: db}, nil
}

// URL returns the base URL this store was created with.
func (s *Store) URL() string { return s.baseURL }

// putObject inserts or overwrites one row. Overwriting bumps the sequence number, so a
// re-created object counts as the newest, the same way an overwrite updates a file's mtime.
func (s *Store) putObject(ctx context.Context, path string, isDir bool, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (path, is_dir, seq, created_at, data)
		VALUES (?, ?, COALESCE((SELECT MAX(seq) FROM objects), 0) + 1, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			is_dir = excluded.is_dir,
			seq = excluded.seq,
			created_at = excluded.created_at,
			data = excluded.data
	`, path, boolToInt(isDir), time.Now().UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return errors.Wrapf(err, "failed to store %q", path)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likeEscape escapes LIKE wildcards in a path, so prefix queries with ESCAPE '\' match path
// segments literally. Checkpoint paths are full of underscores, which LIKE treats as a wildcard.
func likeEscape(path string) string {
	path = strings.ReplaceAll(path, `\`, `\\`)
	path = strings.ReplaceAll(path, `%`, `\%`)
	path = strings.ReplaceAll(path, `_`, `\_`)
	return path
}

// CreateDir implements storage.Store.
func (s *Store) CreateDir(ctx context.Context, dirPath string) error {
	if dirPath == "" || dirPath == "." {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (path, is_dir, seq, created_at, data)
		VALUES (?, 1, COALESCE((SELECT MAX(seq) FROM objects), 0) + 1, ?, NULL)
		ON CONFLICT(path) DO NOTHING
	`, dirPath, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dirPath)
	}
	return nil
}

// CreateSharedDir implements storage.Store. Directory creation is already an upsert, so
// concurrent creators are fine.
func (s *Store) CreateSharedDir(ctx context.Context, dirPath string) error {
	return s.CreateDir(ctx, dirPath)
}

// SaveText implements storage.Store.
func (s *Store) SaveText(ctx context.Context, text, filePath string) error {
	return s.putObject(ctx, filePath, false, []byte(text))
}

// LoadText implements storage.Store.
func (s *Store) LoadText(ctx context.Context, filePath string) (string, error) {
	data, err := s.loadData(ctx, filePath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveObject implements storage.Store. A single row insert is atomic, which gives SaveObject
// its all-or-nothing guarantee for free.
func (s *Store) SaveObject(ctx context.Context, obj any, filePath string) error {
	data, err := storage.EncodeObject(obj)
	if err != nil {
		return errors.WithMessagef(err, "encoding object for %q", filePath)
	}
	return s.putObject(ctx, filePath, false, data)
}

// LoadObject implements storage.Store.
func (s *Store) LoadObject(ctx context.Context, filePath string) (any, error) {
	data, err := s.loadData(ctx, filePath)
	if err != nil {
		return nil, err
	}
	obj, err := storage.DecodeObject(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding %q", filePath)
	}
	return obj, nil
}

func (s *Store) loadData(ctx context.Context, filePath string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM objects WHERE path = ? AND is_dir = 0`, filePath).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("file %q not found in %q", filePath, s.baseURL)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	return data, nil
}

// FileExists implements storage.Store.
func (s *Store) FileExists(ctx context.Context, filePath string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM objects WHERE path = ? AND is_dir = 0`, filePath).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %q", filePath)
	}
	return true, nil
}

// RemoveFile implements storage.Store. Removing an already-gone file succeeds.
func (s *Store) RemoveFile(ctx context.Context, filePath string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE path = ? AND is_dir = 0`, filePath); err != nil {
		return errors.Wrapf(err, "failed to remove %q", filePath)
	}
	return nil
}

// RemoveFiles implements storage.Store, removing all files in one transaction.
func (s *Store) RemoveFiles(ctx context.Context, filePaths []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin removal transaction")
	}
	for _, filePath := range filePaths {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM objects WHERE path = ? AND is_dir = 0`, filePath); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to remove %q", filePath)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit removal transaction")
	}
	return nil
}

// RemoveDirs implements storage.Store, removing each directory with everything under it.
func (s *Store) RemoveDirs(ctx context.Context, dirPaths []string) error {
	for _, dirPath := range dirPaths {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM objects WHERE path = ? OR path LIKE ? ESCAPE '\'`,
			dirPath, likeEscape(dirPath)+"/%"); err != nil {
			return errors.Wrapf(err, "failed to remove directory %q", dirPath)
		}
	}
	return nil
}

// ListFiles implements storage.Store.
func (s *Store) ListFiles(ctx context.Context, dirPath string) ([]string, error) {
	query := `SELECT path FROM objects WHERE is_dir = 0 AND path LIKE ? ESCAPE '\' ORDER BY path ASC`
	args := []any{likeEscape(dirPath) + "/%"}
	if dirPath == "" || dirPath == "." {
		query = `SELECT path FROM objects WHERE is_dir = 0 ORDER BY path ASC`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files under %q", dirPath)
	}
	defer rows.Close()
	var files []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, errors.Wrap(err, "failed to scan file row")
		}
		files = append(files, path)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate files under %q", dirPath)
	}
	return files, nil
}

// ListCheckpointTags implements storage.Store. Tags are ordered by the insertion order of their
// "checkpoint" marker rows.
func (s *Store) ListCheckpointTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, seq FROM objects
		WHERE is_dir = 0 AND path LIKE ? ESCAPE '\'
		ORDER BY seq ASC
	`, "%/"+likeEscape(storage.CheckpointMarker))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoint markers")
	}
	defer rows.Close()

	type taggedSeq struct {
		tag string
		seq int64
	}
	var tags []taggedSeq
	for rows.Next() {
		var path string
		var seq int64
		if err := rows.Scan(&path, &seq); err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint marker row")
		}
		// Markers of checkpoint tags live directly under the base: "<tag>/checkpoint".
		tag := strings.TrimSuffix(path, "/"+storage.CheckpointMarker)
		if strings.Contains(tag, "/") {
			continue
		}
		tags = append(tags, taggedSeq{tag: tag, seq: seq})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate checkpoint marker rows")
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].seq < tags[j].seq })
	result := make([]string, len(tags))
	for i, t := range tags {
		result[i] = t.tag
	}
	return result, nil
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
	suffix := likeEscape(storage.SuffixShardedTensors)
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM objects
		WHERE path LIKE ? ESCAPE '\'
		  AND (path LIKE ? ESCAPE '\' OR (is_dir = 1 AND path LIKE ? ESCAPE '\'))
		LIMIT 1
	`, likeEscape(tag)+"/%", "%"+suffix+"/%", "%"+suffix).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check sharding of %q", tag)
	}
	return true, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
