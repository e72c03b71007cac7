// Package memory provides an in-memory archive cache for tests and
// ephemeral deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/meigma/zipstream/cache"
)

// Cache implements cache.Store and cache.Deleter in memory.
type Cache struct {
	mu   sync.RWMutex
	data map[cache.Key][]byte
}

// New constructs an empty in-memory cache.
func New() *Cache {
	return &Cache{data: make(map[cache.Key][]byte)}
}

// Lookup reports whether key is cached.
func (c *Cache) Lookup(_ context.Context, key cache.Key) (cache.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[key]
	if !ok {
		return cache.Record{}, false
	}
	return record(key, data), true
}

// Open returns a reader over the cached bytes. The reader implements
// io.ReaderAt.
func (c *Cache) Open(_ context.Context, rec cache.Record) (io.ReadCloser, error) {
	c.mu.RLock()
	data, ok := c.data[rec.Key]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", cache.ErrStorageUnavailable, rec.Key)
	}
	return &readCloser{Reader: bytes.NewReader(data)}, nil
}

// Commit copies size bytes of src under key.
func (c *Cache) Commit(_ context.Context, key cache.Key, src io.ReaderAt, size int64) (cache.Record, error) {
	if err := cache.ValidateKey(key); err != nil {
		return cache.Record{}, err
	}
	if rec, ok := c.Lookup(context.Background(), key); ok {
		return rec, nil
	}

	data := make([]byte, size)
	n, err := src.ReadAt(data, 0)
	if int64(n) != size {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return cache.Record{}, cache.Unavailable(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.data[key]; ok {
		return record(key, existing), nil
	}
	c.data[key] = data
	return record(key, data), nil
}

// Delete drops key.
func (c *Cache) Delete(_ context.Context, key cache.Key) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached archives.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func record(key cache.Key, data []byte) cache.Record {
	return cache.Record{Key: key, Location: "memory:" + key.String(), Size: int64(len(data))}
}

type readCloser struct {
	*bytes.Reader
}

func (readCloser) Close() error { return nil }
