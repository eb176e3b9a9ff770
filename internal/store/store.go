// Package store is the on-disk table of cache entries.
//
// Each entry is a subdirectory of the cache root named by its key. A sidecar
// record (<key>.json) beside the directory carries the metadata the
// filesystem cannot: the repository URL, fetch times and the last-known ref
// set. Entries whose sidecar is missing or unreadable are still listed, with
// timestamps taken from the directory itself.
//
// The store does not lock. Callers hold the key's lock in the mode each
// operation documents.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/repocache/cacheerr"
	"github.com/jmgilman/go/repocache/internal/key"
)

// StagingDirName is the directory under the root holding in-progress clones.
const StagingDirName = ".staging"

const sidecarVersion = "1"

// Entry describes one cached clone.
type Entry struct {
	Key        key.Key           `json:"-"`
	Path       string            `json:"-"`
	URL        string            `json:"url"`
	Bare       bool              `json:"bare"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
	LastFetch  time.Time         `json:"last_fetch"`
	Refs       map[string]string `json:"refs,omitempty"`
	Size       int64             `json:"size"`
}

// Stale reports whether the entry's fetched state is older than maxAge at
// now. A maxAge <= 0 disables time-based staleness. An entry that was never
// fetched is always stale.
func (e *Entry) Stale(maxAge time.Duration, now time.Time) bool {
	if e.LastFetch.IsZero() {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	return now.Sub(e.LastFetch) > maxAge
}

type sidecar struct {
	Version string `json:"version"`
	*Entry
}

// Store manages entries under a root directory.
type Store struct {
	root string
	fs   billy.Filesystem
	now  func() time.Time

	sizeWorkers int
}

// Option configures a Store.
type Option func(*Store)

// WithFilesystem sets the billy filesystem used for all I/O. Paths passed to
// it are absolute, so the filesystem must be rooted at "/".
func WithFilesystem(fs billy.Filesystem) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New opens the store rooted at root, creating the root and staging
// directories if needed.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:        filepath.Clean(root),
		fs:          osfs.New("/"),
		now:         time.Now,
		sizeWorkers: 4,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.root, s.StagingDir()} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to create cache directory", map[string]interface{}{
				"path": dir,
			})
		}
	}
	return s, nil
}

// Root returns the cache root.
func (s *Store) Root() string {
	return s.root
}

// Filesystem returns the filesystem the store operates on.
func (s *Store) Filesystem() billy.Filesystem {
	return s.fs
}

// Path returns the clone directory for k.
func (s *Store) Path(k key.Key) string {
	return filepath.Join(s.root, k.String())
}

func (s *Store) sidecarPath(k key.Key) string {
	return filepath.Join(s.root, k.String()+".json")
}

// StagingDir returns the directory holding in-progress clones.
func (s *Store) StagingDir() string {
	return filepath.Join(s.root, StagingDirName)
}

// NewStagingPath returns a fresh, unused staging location for k. The
// directory is not created.
func (s *Store) NewStagingPath(k key.Key) string {
	return filepath.Join(s.StagingDir(), k.String()+"."+uuid.NewString())
}

// Exists reports whether k has a clone directory.
func (s *Store) Exists(k key.Key) bool {
	info, err := s.fs.Stat(s.Path(k))
	return err == nil && info.IsDir()
}

// Stat returns the entry for k, or a NOT_FOUND error if k has no clone
// directory. Callers hold at least a shared lock on k.
func (s *Store) Stat(k key.Key) (*Entry, error) {
	path := s.Path(k)
	info, err := s.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cacheerr.WrapWithContext(err, errors.CodeNotFound, "cache entry not found", map[string]interface{}{
				"key":  k.String(),
				"path": path,
			})
		}
		return nil, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to stat cache entry", map[string]interface{}{
			"key":  k.String(),
			"path": path,
		})
	}
	if !info.IsDir() {
		return nil, errors.WithContextMap(cacheerr.New(cacheerr.CodeCacheCorruption, "cache entry is not a directory"), map[string]interface{}{
			"key":  k.String(),
			"path": path,
		})
	}

	e := s.readSidecar(k)
	if e == nil {
		e = &Entry{
			CreatedAt:  info.ModTime(),
			LastAccess: info.ModTime(),
		}
	}
	e.Key = k
	e.Path = path

	if e.Size <= 0 {
		size, err := s.DiskUsage(k)
		if err != nil {
			return nil, err
		}
		e.Size = size
	}
	return e, nil
}

// readSidecar returns nil when the sidecar is missing or unreadable.
func (s *Store) readSidecar(k key.Key) *Entry {
	data, err := util.ReadFile(s.fs, s.sidecarPath(k))
	if err != nil {
		return nil
	}

	rec := sidecar{Entry: &Entry{}}
	if err := json.Unmarshal(data, &rec); err != nil || rec.Version != sidecarVersion {
		return nil
	}
	return rec.Entry
}

// List returns every entry under the root, oldest access first. Sizes of
// entries without a recorded size are computed in parallel.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	infos, err := s.fs.ReadDir(s.root)
	if err != nil {
		return nil, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to read cache root", map[string]interface{}{
			"path": s.root,
		})
	}

	var keys []key.Key
	for _, info := range infos {
		if !info.IsDir() || !key.Valid(info.Name()) {
			continue
		}
		keys = append(keys, key.Key(info.Name()))
	}

	entries := make([]*Entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sizeWorkers)
	for i, k := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e, err := s.Stat(k)
			if err != nil {
				// Removed by a concurrent eviction since ReadDir.
				if cacheerr.Is(err, errors.CodeNotFound) || !s.Exists(k) {
					return nil
				}
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastAccess.Before(result[j].LastAccess)
	})
	return result, nil
}

// Record writes e's metadata to its sidecar. Callers hold an exclusive lock
// on e.Key, or a shared lock when only access times change.
func (s *Store) Record(e *Entry) error {
	path := s.sidecarPath(e.Key)
	data, err := json.MarshalIndent(sidecar{Version: sidecarVersion, Entry: e}, "", "  ")
	if err != nil {
		return cacheerr.Wrap(err, cacheerr.CodeDiskIO, "failed to marshal entry metadata")
	}

	// Unique temp name: several shared holders may touch the same entry.
	tmpPath := path + "." + uuid.NewString() + ".tmp"
	if err := util.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		_ = s.fs.Remove(tmpPath)
		return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to write entry metadata", map[string]interface{}{
			"key":  e.Key.String(),
			"path": tmpPath,
		})
	}

	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to rename entry metadata", map[string]interface{}{
			"key":  e.Key.String(),
			"path": path,
		})
	}
	return nil
}

// Touch sets the entry's last-access time to the current time.
func (s *Store) Touch(k key.Key) (*Entry, error) {
	e, err := s.Stat(k)
	if err != nil {
		return nil, err
	}
	e.LastAccess = s.now()
	if err := s.Record(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Install moves a completed clone from staging into k's entry directory,
// replacing any existing clone. The replaced clone is moved back into
// staging before it is deleted, so the entry path never holds a partial
// tree. Callers hold an exclusive lock on k.
func (s *Store) Install(k key.Key, staging string) error {
	path := s.Path(k)

	var old string
	if _, err := s.fs.Stat(path); err == nil {
		old = s.NewStagingPath(k) + ".old"
		if err := s.fs.Rename(path, old); err != nil {
			return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to move replaced clone aside", map[string]interface{}{
				"key":  k.String(),
				"path": path,
			})
		}
	}

	if err := s.fs.Rename(staging, path); err != nil {
		if old != "" {
			_ = s.fs.Rename(old, path)
		}
		return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to install clone", map[string]interface{}{
			"key":     k.String(),
			"path":    path,
			"staging": staging,
		})
	}

	if old != "" {
		if err := s.RemovePath(old); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes k's clone directory and sidecar. The lock file is kept.
// Callers hold an exclusive lock on k.
func (s *Store) Remove(k key.Key) error {
	if err := s.RemovePath(s.Path(k)); err != nil {
		return err
	}
	if err := s.fs.Remove(s.sidecarPath(k)); err != nil && !os.IsNotExist(err) {
		return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to remove entry metadata", map[string]interface{}{
			"key":  k.String(),
			"path": s.sidecarPath(k),
		})
	}
	return nil
}

// RemovePath deletes a directory tree. A missing path is not an error.
func (s *Store) RemovePath(path string) error {
	if err := util.RemoveAll(s.fs, path); err != nil {
		return cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to remove directory", map[string]interface{}{
			"path": path,
		})
	}
	return nil
}

// StagingEntry is a leftover directory in the staging area.
type StagingEntry struct {
	Key  key.Key
	Path string
}

// Staging lists the directories in the staging area together with the key
// each one belongs to.
func (s *Store) Staging() ([]StagingEntry, error) {
	infos, err := s.fs.ReadDir(s.StagingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to read staging directory", map[string]interface{}{
			"path": s.StagingDir(),
		})
	}

	var result []StagingEntry
	for _, info := range infos {
		name, _, _ := strings.Cut(info.Name(), ".")
		if !key.Valid(name) {
			continue
		}
		result = append(result, StagingEntry{
			Key:  key.Key(name),
			Path: filepath.Join(s.StagingDir(), info.Name()),
		})
	}
	return result, nil
}

// DiskUsage returns the bytes used by k's clone directory.
func (s *Store) DiskUsage(k key.Key) (int64, error) {
	size, err := s.dirSize(s.Path(k))
	if err != nil {
		return 0, cacheerr.WrapWithContext(err, cacheerr.CodeDiskIO, "failed to compute entry size", map[string]interface{}{
			"key":  k.String(),
			"path": s.Path(k),
		})
	}
	return size, nil
}

func (s *Store) dirSize(path string) (int64, error) {
	if _, err := s.fs.Lstat(path); err != nil {
		return 0, err
	}

	var size int64
	err := util.Walk(s.fs, path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			// Raced with a concurrent delete.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
