// Package disk provides a filesystem-backed archive cache.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/zipstream/cache"
)

const (
	defaultShardPrefixLen = 0
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o644

	archiveExt  = ".zip"
	tempPattern = "cache-*"
	tempPrefix  = "cache-"
)

// Cache implements cache.Store and cache.Deleter on the local filesystem.
// Archives live at <dir>/<fingerprint-hex>.zip, optionally below a directory
// named after the first hex characters of the fingerprint.
type Cache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	filePerm       os.FileMode
}

// Option configures a disk cache.
type Option func(*Cache)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 0.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of published archives.
func WithFilePerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.filePerm = mode
	}
}

// New creates a disk-backed cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		filePerm:       defaultFilePerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Lookup reports whether an archive exists for key.
func (c *Cache) Lookup(_ context.Context, key cache.Key) (cache.Record, bool) {
	path, err := c.path(key)
	if err != nil {
		return cache.Record{}, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return cache.Record{}, false
	}
	return cache.Record{Key: key, Location: path, Size: info.Size()}, true
}

// Open returns the archive file for rec. The returned *os.File also
// implements io.ReaderAt.
func (c *Cache) Open(_ context.Context, rec cache.Record) (io.ReadCloser, error) {
	path, err := c.path(rec.Key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // path is derived from a validated digest
	if err != nil {
		return nil, cache.Unavailable(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cache.Unavailable(err)
	}
	if rec.Size > 0 && info.Size() != rec.Size {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, expected %d", cache.ErrStorageUnavailable, path, info.Size(), rec.Size)
	}
	return f, nil
}

// Commit copies size bytes of src into a temporary file next to the final
// path and renames it into place.
func (c *Cache) Commit(ctx context.Context, key cache.Key, src io.ReaderAt, size int64) (cache.Record, error) {
	path, err := c.path(key)
	if err != nil {
		return cache.Record{}, err
	}
	if rec, ok := c.Lookup(ctx, key); ok {
		return rec, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return cache.Record{}, cache.Unavailable(err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return cache.Record{}, cache.Unavailable(err)
	}
	tmpPath := tmp.Name()
	discard := func(err error) (cache.Record, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return cache.Record{}, err
	}

	n, err := io.Copy(tmp, io.NewSectionReader(src, 0, size))
	if err != nil {
		return discard(cache.Unavailable(err))
	}
	if n != size {
		return discard(fmt.Errorf("%w: copied %d of %d bytes", cache.ErrStorageUnavailable, n, size))
	}
	if err := ctx.Err(); err != nil {
		return discard(err)
	}
	if err := tmp.Chmod(c.filePerm); err != nil {
		return discard(cache.Unavailable(err))
	}
	if err := tmp.Sync(); err != nil {
		return discard(cache.Unavailable(err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return cache.Record{}, cache.Unavailable(err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if rec, ok := c.Lookup(ctx, key); ok {
			return rec, nil
		}
		return cache.Record{}, cache.Unavailable(err)
	}
	return cache.Record{Key: key, Location: path, Size: size}, nil
}

// Delete removes the archive for key. Deleting a missing key is not an error.
func (c *Cache) Delete(_ context.Context, key cache.Key) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cache.Unavailable(err)
	}
	return nil
}

func (c *Cache) path(key cache.Key) (string, error) {
	if err := cache.ValidateKey(key); err != nil {
		return "", err
	}
	hexHash := key.Encoded()
	name := hexHash + archiveExt
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, name), nil
	}
	prefixLen := min(c.shardPrefixLen, len(hexHash))
	return filepath.Join(c.dir, hexHash[:prefixLen], name), nil
}

func isArchiveName(name string) bool {
	return strings.HasSuffix(name, archiveExt) && !strings.HasPrefix(name, tempPrefix)
}
