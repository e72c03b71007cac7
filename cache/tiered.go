package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Tiered combines a local store with a shared remote one. Lookups try the
// local tier first. Archives found only remotely are pulled into the local
// tier when opened. Commits go to the local tier and are then replicated to
// the remote tier; a remote failure is logged and does not fail the commit.
type Tiered struct {
	local    Store
	remote   Store
	spoolDir string
	logger   *slog.Logger
}

// TieredOption configures a Tiered store.
type TieredOption func(*Tiered)

// WithTieredLogger sets the logger for replication events.
func WithTieredLogger(logger *slog.Logger) TieredOption {
	return func(t *Tiered) {
		t.logger = logger
	}
}

// WithSpoolDir sets where remote archives are staged before they are
// committed locally. Defaults to os.TempDir.
func WithSpoolDir(dir string) TieredOption {
	return func(t *Tiered) {
		t.spoolDir = dir
	}
}

// NewTiered returns a store that layers local over remote.
func NewTiered(local, remote Store, opts ...TieredOption) *Tiered {
	t := &Tiered{local: local, remote: remote}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tiered) log() *slog.Logger {
	if t.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.logger
}

// Lookup checks the local tier, then the remote tier.
func (t *Tiered) Lookup(ctx context.Context, key Key) (Record, bool) {
	if rec, ok := t.local.Lookup(ctx, key); ok {
		return rec, true
	}
	return t.remote.Lookup(ctx, key)
}

// Open serves rec from the local tier when present. Otherwise the remote
// archive is staged, committed locally and served from there.
func (t *Tiered) Open(ctx context.Context, rec Record) (io.ReadCloser, error) {
	if local, ok := t.local.Lookup(ctx, rec.Key); ok {
		return t.local.Open(ctx, local)
	}

	rc, err := t.remote.Open(ctx, rec)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	staged, err := os.CreateTemp(t.spoolDir, "promote-*")
	if err != nil {
		return nil, Unavailable(err)
	}
	n, err := io.Copy(staged, rc)
	if err != nil {
		_ = removeFile(staged)
		return nil, Unavailable(err)
	}

	local, err := t.local.Commit(ctx, rec.Key, staged, n)
	if err != nil {
		t.log().Warn("promote to local cache failed", "fingerprint", rec.Key.String(), "error", err)
		if _, err := staged.Seek(0, io.SeekStart); err != nil {
			_ = removeFile(staged)
			return nil, Unavailable(err)
		}
		return &stagedFile{File: staged}, nil
	}
	_ = removeFile(staged)
	t.log().Debug("promoted remote archive", "fingerprint", rec.Key.String(), "bytes", n)
	return t.local.Open(ctx, local)
}

// Commit publishes to the local tier, then replicates to the remote tier.
func (t *Tiered) Commit(ctx context.Context, key Key, src io.ReaderAt, size int64) (Record, error) {
	rec, err := t.local.Commit(ctx, key, src, size)
	if err != nil {
		return Record{}, err
	}
	if _, ok := t.remote.Lookup(ctx, key); ok {
		return rec, nil
	}
	if _, err := t.remote.Commit(ctx, key, src, size); err != nil {
		t.log().Warn("replicate to remote cache failed", "fingerprint", key.String(), "error", err)
	}
	return rec, nil
}

// Delete removes key from every tier that supports deletion.
func (t *Tiered) Delete(ctx context.Context, key Key) error {
	var errs []error
	for _, s := range []Store{t.local, t.remote} {
		d, ok := s.(Deleter)
		if !ok {
			continue
		}
		if err := d.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// stagedFile serves a staged remote archive and removes it on Close.
type stagedFile struct {
	*os.File
}

func (s *stagedFile) Close() error {
	return removeFile(s.File)
}

func removeFile(f *os.File) error {
	closeErr := f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return closeErr
}
