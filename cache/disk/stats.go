package disk

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Stats summarizes the archives held by a cache.
type Stats struct {
	Entries int
	Bytes   int64
}

// Stats walks the cache root and counts published archives.
func (c *Cache) Stats() (Stats, error) {
	var st Stats
	err := filepath.WalkDir(c.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !isArchiveName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Entries++
		st.Bytes += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return Stats{}, nil
	}
	return st, err
}

// SweepTemp removes temporary files left behind by commits that never
// finished, such as after a crash. Only files older than olderThan are
// removed so in-progress commits are left alone.
func (c *Cache) SweepTemp(olderThan time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-olderThan)
	walkErr := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		removed++
		return nil
	})
	if errors.Is(walkErr, os.ErrNotExist) {
		return removed, nil
	}
	return removed, walkErr
}
