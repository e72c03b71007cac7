package cache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/zipstream/cache"
	"github.com/meigma/zipstream/cache/memory"
)

// failingStore is a Store whose commits always fail.
type failingStore struct {
	*memory.Cache
}

func (failingStore) Commit(context.Context, cache.Key, io.ReaderAt, int64) (cache.Record, error) {
	return cache.Record{}, errors.New("remote down")
}

func TestTieredCommitReplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local, remote := memory.New(), memory.New()
	tiered := cache.NewTiered(local, remote, cache.WithSpoolDir(t.TempDir()))
	key := digest.FromString("payload")

	_, err := tiered.Commit(ctx, key, bytes.NewReader([]byte("zip")), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, local.Len())
	assert.Equal(t, 1, remote.Len())
}

func TestTieredRemoteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local := memory.New()
	tiered := cache.NewTiered(local, failingStore{memory.New()})
	key := digest.FromString("payload")

	rec, err := tiered.Commit(ctx, key, bytes.NewReader([]byte("zip")), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Size)
	assert.Equal(t, 1, local.Len())
}

func TestTieredPromotesRemoteHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local, remote := memory.New(), memory.New()
	key := digest.FromString("payload")
	_, err := remote.Commit(ctx, key, bytes.NewReader([]byte("remote zip")), 10)
	require.NoError(t, err)

	tiered := cache.NewTiered(local, remote, cache.WithSpoolDir(t.TempDir()))
	rec, ok := tiered.Lookup(ctx, key)
	require.True(t, ok)

	rc, err := tiered.Open(ctx, rec)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "remote zip", string(data))

	_, ok = local.Lookup(ctx, key)
	assert.True(t, ok, "remote hit should be promoted to the local tier")
}

func TestTieredServesStagedCopyWhenPromotionFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := memory.New()
	key := digest.FromString("payload")
	_, err := remote.Commit(ctx, key, bytes.NewReader([]byte("remote zip")), 10)
	require.NoError(t, err)

	tiered := cache.NewTiered(failingStore{memory.New()}, remote, cache.WithSpoolDir(t.TempDir()))
	rec, ok := tiered.Lookup(ctx, key)
	require.True(t, ok)

	rc, err := tiered.Open(ctx, rec)
	require.NoError(t, err)
	_, isReaderAt := rc.(io.ReaderAt)
	assert.True(t, isReaderAt)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "remote zip", string(data))
}

func TestTieredDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local, remote := memory.New(), memory.New()
	tiered := cache.NewTiered(local, remote)
	key := digest.FromString("payload")
	_, err := tiered.Commit(ctx, key, bytes.NewReader([]byte("zip")), 3)
	require.NoError(t, err)

	require.NoError(t, tiered.Delete(ctx, key))
	_, ok := tiered.Lookup(ctx, key)
	assert.False(t, ok)
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	require.NoError(t, cache.ValidateKey(digest.FromString("x")))
	require.ErrorIs(t, cache.ValidateKey(""), cache.ErrInvalidKey)
	require.ErrorIs(t, cache.ValidateKey("sha256:zz"), cache.ErrInvalidKey)
}

func TestUnavailable(t *testing.T) {
	t.Parallel()

	assert.NoError(t, cache.Unavailable(nil))
	err := cache.Unavailable(io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, cache.ErrStorageUnavailable)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Same(t, err, cache.Unavailable(err))
}
