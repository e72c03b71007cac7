package zipstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/zipstream/archive"
	"github.com/meigma/zipstream/cache"
	"github.com/meigma/zipstream/fetch"
	"github.com/meigma/zipstream/stream"
)

// State is a step in the life of one request, recorded in logs.
type State string

// Build states.
const (
	StateCaching      State = "caching"
	StateServingCache State = "serving_cache"
	StateBuilding     State = "building"
	StateFinalizing   State = "finalizing"
	StateCommitted    State = "committed"
	StateFailed       State = "failed"
)

const (
	buildPattern = "build-*.tmp"
	spoolPattern = "fetch-*.part"
	workDirPerm  = 0o700
)

// Service serves archives from a cache and builds the ones it does not have.
// It is safe for concurrent use.
type Service struct {
	store        cache.Store
	pool         *fetch.Pool
	workDir      string
	manifestName string
	modTime      time.Time
	verifyCached bool
	algorithm    digest.Algorithm
	concurrency  int
	httpClient   *http.Client
	fetchOpts    []fetch.Option
	logger       *slog.Logger
}

// New creates a Service that caches finished archives in store.
func New(store cache.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("zipstream: store is nil")
	}
	s := &Service{
		store:        store,
		workDir:      os.TempDir(),
		manifestName: DefaultManifestName,
		verifyCached: true,
		algorithm:    digest.SHA256,
		concurrency:  fetch.DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.manifestName == "" {
		return nil, errors.New("zipstream: manifest name is empty")
	}
	if !s.algorithm.Available() {
		return nil, fmt.Errorf("zipstream: digest algorithm %q unavailable", s.algorithm)
	}
	if err := os.MkdirAll(s.workDir, workDirPerm); err != nil {
		return nil, fmt.Errorf("zipstream: create work dir: %w", err)
	}

	poolOpts := []fetch.Option{
		fetch.WithConcurrency(s.concurrency),
		fetch.WithSpoolDir(s.workDir),
		fetch.WithLogger(s.log()),
	}
	if s.httpClient != nil {
		poolOpts = append(poolOpts, fetch.WithClient(s.httpClient))
	}
	s.pool = fetch.New(append(poolOpts, s.fetchOpts...)...)
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Service) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// WorkDir returns the directory holding in-progress builds.
func (s *Service) WorkDir() string {
	return s.workDir
}

// BuildOrServe returns the archive for a request. raw is the exact payload
// the entries were decoded from; it alone determines the cache key.
//
// On a cache hit the cached bytes are returned and nothing is fetched. On a
// miss the manifest member is written before BuildOrServe returns and the
// remaining members are produced in the background as the caller reads. A
// build that fails is never committed. The caller must close the Response.
func (s *Service) BuildOrServe(ctx context.Context, raw []byte, entries []Entry) (*Response, error) {
	key := s.algorithm.FromBytes(raw)
	log := s.log().With("fingerprint", key.Encoded())
	log.Debug("looking up archive", "state", StateCaching)

	if resp, ok := s.serveCached(ctx, key, log); ok {
		return resp, nil
	}
	return s.startBuild(ctx, key, entries, log)
}

// serveCached returns the cached archive for key if it is present and
// readable. Damaged archives are dropped so the caller rebuilds them.
func (s *Service) serveCached(ctx context.Context, key cache.Key, log *slog.Logger) (*Response, bool) {
	rec, ok := s.store.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	rc, err := s.store.Open(ctx, rec)
	if err != nil {
		log.Warn("cached archive unavailable, rebuilding", "location", rec.Location, "error", err)
		return nil, false
	}
	if s.verifyCached {
		if ra, ok := rc.(io.ReaderAt); ok {
			if _, err := archive.List(ra, rec.Size); err != nil {
				rc.Close()
				log.Warn("cached archive corrupt, rebuilding", "location", rec.Location, "error", err)
				s.drop(ctx, key, log)
				return nil, false
			}
		}
	}

	log.Info("serving cached archive", "state", StateServingCache, "location", rec.Location, "bytes", rec.Size)
	return &Response{Key: key, Cached: true, Size: rec.Size, body: rc}, true
}

func (s *Service) drop(ctx context.Context, key cache.Key, log *slog.Logger) {
	d, ok := s.store.(cache.Deleter)
	if !ok {
		return
	}
	if err := d.Delete(ctx, key); err != nil {
		log.Warn("drop cached archive failed", "error", err)
	}
}

// build is the state owned by one background build.
type build struct {
	key     cache.Key
	entries []Entry
	file    *stream.TempFile
	buf     *stream.Buffer
	zw      *archive.Writer
	log     *slog.Logger
}

func (s *Service) startBuild(ctx context.Context, key cache.Key, entries []Entry, log *slog.Logger) (*Response, error) {
	file, err := stream.NewTempFile(s.workDir, buildPattern)
	if err != nil {
		return nil, fmt.Errorf("create build file: %w", cache.Unavailable(err))
	}

	modTime := s.modTime
	if modTime.IsZero() {
		modTime = time.Now()
	}
	buf := stream.NewBuffer(file)
	b := &build{
		key:     key,
		entries: entries,
		file:    file,
		buf:     buf,
		zw:      archive.NewWriter(buildWriter{buf}, archive.WithModTime(modTime)),
		log:     log,
	}

	manifest, err := EncodeManifest(entries)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := b.zw.CreateEntry(s.manifestName, bytes.NewReader(manifest)); err != nil {
		file.Close()
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	buildCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(buildCtx, b)
	}()

	log.Info("building archive", "state", StateBuilding, "entries", len(entries), "build_file", file.Name())
	return &Response{
		Key:  key,
		Size: -1,
		body: buf.NewReader(buildCtx),
		cleanup: func() error {
			cancel()
			<-done
			return file.Close()
		},
	}, nil
}

// run fetches every entry in order and appends it to the archive. It is the
// only goroutine that touches b.zw.
func (s *Service) run(ctx context.Context, b *build) {
	for o := range s.pool.Fetch(ctx, fetchRequests(b.entries)) {
		if err := s.appendEntry(b, o); err != nil {
			s.fail(ctx, b, err)
			return
		}
		b.log.Debug("entry written", "index", o.Index, "filename", o.Filename, "offset", b.zw.Offset())
	}
	if err := ctx.Err(); err != nil {
		s.fail(ctx, b, err)
		return
	}

	b.log.Debug("finalizing archive", "state", StateFinalizing)
	if err := b.zw.Finalize(); err != nil {
		s.fail(ctx, b, fmt.Errorf("finalize: %w", err))
		return
	}

	size := b.buf.Size()
	rec, err := s.store.Commit(context.WithoutCancel(ctx), b.key, b.file, size)
	if err != nil {
		b.log.Error("commit archive failed", "state", StateFailed, "bytes", size, "error", err)
	} else {
		b.log.Info("archive committed", "state", StateCommitted, "location", rec.Location, "bytes", size)
	}
	_ = b.buf.Close()
}

func (s *Service) appendEntry(b *build, o fetch.Outcome) error {
	if o.Err != nil {
		return o.Err
	}
	defer o.Body.Close()

	if err := b.zw.BeginEntry(o.Filename); err != nil {
		return fmt.Errorf("entry %d (%s): %w", o.Index, o.Filename, err)
	}
	if _, err := io.Copy(b.zw, o.Body); err != nil {
		return fmt.Errorf("entry %d (%s): %w", o.Index, o.Filename, err)
	}
	if _, err := b.zw.EndEntry(); err != nil {
		return fmt.Errorf("entry %d (%s): %w", o.Index, o.Filename, err)
	}
	return nil
}

// fail terminates the live archive with cause. Nothing is committed.
func (s *Service) fail(ctx context.Context, b *build, cause error) {
	if ctx.Err() != nil {
		b.log.Info("build cancelled", "state", StateFailed, "bytes", b.buf.Size())
	} else {
		b.log.Warn("build failed", "state", StateFailed, "bytes", b.buf.Size(), "error", cause)
	}
	_ = b.buf.CloseWithError(fmt.Errorf("%w: %w", ErrBuildAborted, cause))
}

// buildWriter reports build file write failures as storage errors.
type buildWriter struct {
	buf *stream.Buffer
}

func (w buildWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	return n, cache.Unavailable(err)
}

// SweepWorkDir removes build and spool files older than olderThan that were
// left behind by a previous process.
func (s *Service) SweepWorkDir(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, pattern := range []string{buildPattern, spoolPattern} {
		matches, err := filepath.Glob(filepath.Join(s.workDir, pattern))
		if err != nil {
			return removed, err
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
