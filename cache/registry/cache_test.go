package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/zipstream/cache"
)

// memRepo adapts an in-memory ORAS store to the repository interface.
type memRepo struct {
	*memory.Store

	mu      sync.Mutex
	deleted map[digest.Digest]bool
	pushes  atomic.Int32
}

func newMemRepo() *memRepo {
	return &memRepo{Store: memory.New(), deleted: make(map[digest.Digest]bool)}
}

func (m *memRepo) Push(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error {
	m.pushes.Add(1)
	return m.Store.Push(ctx, desc, r)
}

func (m *memRepo) FetchReference(ctx context.Context, ref string) (ocispec.Descriptor, io.ReadCloser, error) {
	desc, err := m.Resolve(ctx, ref)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	m.mu.Lock()
	gone := m.deleted[desc.Digest]
	m.mu.Unlock()
	if gone {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%s: %w", ref, errdef.ErrNotFound)
	}
	rc, err := m.Fetch(ctx, desc)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	return desc, rc, nil
}

func (m *memRepo) PushReference(ctx context.Context, desc ocispec.Descriptor, r io.Reader, ref string) error {
	if err := m.Push(ctx, desc, r); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return err
	}
	m.mu.Lock()
	delete(m.deleted, desc.Digest)
	m.mu.Unlock()
	return m.Tag(ctx, desc, ref)
}

func (m *memRepo) Delete(_ context.Context, desc ocispec.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[desc.Digest] = true
	return nil
}

func TestCacheCommitLookupOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newMemRepo()
	c := newWithRepository("localhost:5000/cache", repo, WithAnnotations(map[string]string{"team": "infra"}))
	key := digest.FromString(`[{"url":"http://x/a","filename":"a"}]`)
	archive := []byte("PK\x03\x04 pretend archive")

	_, ok := c.Lookup(ctx, key)
	require.False(t, ok)

	rec, err := c.Commit(ctx, key, bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	assert.Equal(t, "localhost:5000/cache:"+key.Encoded(), rec.Location)
	assert.Equal(t, int64(len(archive)), rec.Size)

	fresh := newWithRepository("localhost:5000/cache", repo)
	got, ok := fresh.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	rc, err := fresh.Open(ctx, got)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, archive, data)

	desc, mrc, err := repo.FetchReference(ctx, Tag(key))
	require.NoError(t, err)
	defer mrc.Close()
	assert.Equal(t, ocispec.MediaTypeImageManifest, desc.MediaType)
	var manifest ocispec.Manifest
	require.NoError(t, json.NewDecoder(mrc).Decode(&manifest))
	assert.Equal(t, ArtifactType, manifest.ArtifactType)
	assert.Equal(t, key.String(), manifest.Annotations[AnnotationFingerprint])
	assert.Equal(t, "infra", manifest.Annotations["team"])
	assert.NotEmpty(t, manifest.Annotations[ocispec.AnnotationCreated])
	require.Len(t, manifest.Layers, 1)
	assert.Equal(t, MediaTypeArchive, manifest.Layers[0].MediaType)
	assert.Equal(t, digest.FromBytes(archive), manifest.Layers[0].Digest)
}

func TestCacheCommitExistingIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newMemRepo()
	c := newWithRepository("localhost:5000/cache", repo)
	key := digest.FromString("payload")

	_, err := c.Commit(ctx, key, bytes.NewReader([]byte("first")), 5)
	require.NoError(t, err)
	pushes := repo.pushes.Load()

	rec, err := c.Commit(ctx, key, bytes.NewReader([]byte("second")), 6)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Size)
	assert.Equal(t, pushes, repo.pushes.Load(), "second commit must not push")
}

func TestCacheIgnoresForeignArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newMemRepo()
	key := digest.FromString("payload")

	manifest := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: "application/vnd.example.other",
		Config:       ocispec.DescriptorEmptyJSON,
		Layers:       []ocispec.Descriptor{},
	}
	require.NoError(t, repo.Push(ctx, ocispec.DescriptorEmptyJSON, bytes.NewReader(ocispec.DescriptorEmptyJSON.Data)))
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(raw),
		Size:      int64(len(raw)),
	}
	require.NoError(t, repo.PushReference(ctx, desc, bytes.NewReader(raw), Tag(key)))

	c := newWithRepository("localhost:5000/cache", repo)
	_, ok := c.Lookup(ctx, key)
	assert.False(t, ok)
	assert.NoError(t, c.Delete(ctx, key), "foreign tags are left alone")
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newMemRepo()
	c := newWithRepository("localhost:5000/cache", repo)
	key := digest.FromString("payload")

	_, err := c.Commit(ctx, key, bytes.NewReader([]byte("zip")), 3)
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, key))

	_, ok := c.Lookup(ctx, key)
	assert.False(t, ok)
	assert.NoError(t, c.Delete(ctx, key))
}

func TestCacheOpenMissing(t *testing.T) {
	t.Parallel()

	c := newWithRepository("localhost:5000/cache", newMemRepo())
	_, err := c.Open(context.Background(), cache.Record{Key: digest.FromString("missing")})
	assert.ErrorIs(t, err, cache.ErrStorageUnavailable)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestVerifyingReader(t *testing.T) {
	t.Parallel()

	data := []byte("archive bytes")
	desc := ocispec.Descriptor{Digest: digest.FromBytes(data), Size: int64(len(data))}

	t.Run("matching content", func(t *testing.T) {
		t.Parallel()
		r := newVerifyingReader(io.NopCloser(bytes.NewReader(data)), desc)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("tampered content", func(t *testing.T) {
		t.Parallel()
		tampered := bytes.ToUpper(data)
		r := newVerifyingReader(io.NopCloser(bytes.NewReader(tampered)), desc)
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, ErrDigestMismatch)
		assert.ErrorIs(t, err, cache.ErrStorageUnavailable)
	})

	t.Run("truncated content", func(t *testing.T) {
		t.Parallel()
		r := newVerifyingReader(io.NopCloser(bytes.NewReader(data[:4])), desc)
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, ErrDigestMismatch)
	})

	t.Run("oversized content", func(t *testing.T) {
		t.Parallel()
		long := append(append([]byte{}, data...), "extra"...)
		r := newVerifyingReader(io.NopCloser(bytes.NewReader(long)), desc)
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, ErrDigestMismatch)
	})
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", errdef.ErrNotFound, cache.ErrNotFound},
		{"http 404", &errcode.ErrorResponse{StatusCode: http.StatusNotFound}, cache.ErrNotFound},
		{"http 401", &errcode.ErrorResponse{StatusCode: http.StatusUnauthorized}, ErrUnauthorized},
		{"http 403", &errcode.ErrorResponse{StatusCode: http.StatusForbidden}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}

	assert.NoError(t, mapError(nil))
	other := errors.New("boom")
	assert.Same(t, other, mapError(other))
}

func TestNewValidatesReference(t *testing.T) {
	t.Parallel()

	_, err := New("localhost:5000/cache:latest")
	require.Error(t, err)

	_, err = New("not a reference")
	require.Error(t, err)

	c, err := New("localhost:5000/cache", WithPlainHTTP(true), WithStaticCredentials("u", "p"), WithUserAgent("test"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:5000/cache:"+Tag(digest.FromString("x")), c.record(digest.FromString("x"), resolved{}).Location)
}
