// Package testutil provides HTTP sources, cache doubles and archive readers
// shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/meigma/zipstream/cache"
)

// Sources is an HTTP server that serves canned bodies and counts requests.
type Sources struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string][]byte
	status map[string]int
	gates  map[string]chan struct{}
	hits   map[string]int
	total  atomic.Int64
}

// NewSources starts a source server that is closed when the test ends.
func NewSources(t testing.TB) *Sources {
	t.Helper()
	s := &Sources{
		bodies: make(map[string][]byte),
		status: make(map[string]int),
		gates:  make(map[string]chan struct{}),
		hits:   make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Add serves body at path and returns its URL.
func (s *Sources) Add(path string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[path] = body
	return s.URL + path
}

// Fail answers requests for path with status and returns its URL.
func (s *Sources) Fail(path string, status int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[path] = status
	return s.URL + path
}

// Gate serves body at path only after release is called. Headers are not
// sent before then either.
func (s *Sources) Gate(path string, body []byte) (url string, release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.bodies[path] = body
	s.gates[path] = gate
	s.mu.Unlock()
	var once sync.Once
	return s.URL + path, func() { once.Do(func() { close(gate) }) }
}

// Hits returns how many requests were made for path.
func (s *Sources) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Total returns how many requests the server received.
func (s *Sources) Total() int {
	return int(s.total.Load())
}

func (s *Sources) serve(w http.ResponseWriter, r *http.Request) {
	s.total.Add(1)
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, ok := s.bodies[r.URL.Path]
	status := s.status[r.URL.Path]
	gate := s.gates[r.URL.Path]
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	_, _ = w.Write(body)
}

// ReadZip opens data with a standard zip reader and returns the member names
// in directory order and their contents. Reading every member verifies its
// CRC.
func ReadZip(t testing.TB, data []byte) ([]string, map[string][]byte) {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	contents := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		require.Equal(t, zip.Store, f.Method, "member %s", f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err, "read %s", f.Name)
		require.NoError(t, rc.Close())
		names = append(names, f.Name)
		contents[f.Name] = body
	}
	return names, contents
}

// CountingStore wraps a cache.Store and counts calls. When FailCommit is
// set, commits fail without reaching the wrapped store.
type CountingStore struct {
	cache.Store

	FailCommit atomic.Bool

	lookups atomic.Int64
	opens   atomic.Int64
	commits atomic.Int64
}

// NewCountingStore wraps store.
func NewCountingStore(store cache.Store) *CountingStore {
	return &CountingStore{Store: store}
}

// Lookup counts and delegates.
func (c *CountingStore) Lookup(ctx context.Context, key cache.Key) (cache.Record, bool) {
	c.lookups.Add(1)
	return c.Store.Lookup(ctx, key)
}

// Open counts and delegates.
func (c *CountingStore) Open(ctx context.Context, rec cache.Record) (io.ReadCloser, error) {
	c.opens.Add(1)
	return c.Store.Open(ctx, rec)
}

// Commit counts and delegates unless FailCommit is set.
func (c *CountingStore) Commit(ctx context.Context, key cache.Key, src io.ReaderAt, size int64) (cache.Record, error) {
	c.commits.Add(1)
	if c.FailCommit.Load() {
		return cache.Record{}, cache.Unavailable(errors.New("commit disabled"))
	}
	return c.Store.Commit(ctx, key, src, size)
}

// Delete delegates when the wrapped store supports it.
func (c *CountingStore) Delete(ctx context.Context, key cache.Key) error {
	if d, ok := c.Store.(cache.Deleter); ok {
		return d.Delete(ctx, key)
	}
	return nil
}

// Lookups returns the number of Lookup calls.
func (c *CountingStore) Lookups() int { return int(c.lookups.Load()) }

// Opens returns the number of Open calls.
func (c *CountingStore) Opens() int { return int(c.opens.Load()) }

// Commits returns the number of Commit calls.
func (c *CountingStore) Commits() int { return int(c.commits.Load()) }
