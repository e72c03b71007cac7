package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	orasregistry "oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/zipstream/cache"
)

// Media types and annotations for cached archives.
const (
	// ArtifactType identifies cached archives as an OCI 1.1 artifact type.
	ArtifactType = "application/vnd.meigma.zipstream.archive.v1"

	// MediaTypeArchive is the media type of the archive layer.
	MediaTypeArchive = "application/zip"

	// AnnotationFingerprint records the full fingerprint on the manifest.
	AnnotationFingerprint = "dev.meigma.zipstream.fingerprint"
)

const (
	archiveTitle     = "archive.zip"
	maxManifestBytes = 4 << 20
	defaultUserAgent = "zipstream/1.0"
)

// repository is the subset of an ORAS repository the cache uses.
type repository interface {
	content.Storage
	content.Deleter
	orasregistry.ReferenceFetcher
	orasregistry.ReferencePusher
}

// resolved is a tag that was found to name a cached archive.
type resolved struct {
	manifest ocispec.Descriptor
	layer    ocispec.Descriptor
}

// Cache implements cache.Store and cache.Deleter on an OCI repository.
type Cache struct {
	ref  string
	repo repository

	plainHTTP   bool
	credStore   credentials.Store
	username    string
	password    string
	userAgent   string
	httpClient  *http.Client
	annotations map[string]string
	logger      *slog.Logger

	group    singleflight.Group
	resolved sync.Map // cache.Key -> resolved
}

// New creates a cache that stores archives in the repository named by
// repoRef, for example "ghcr.io/acme/zipstream-cache". The reference must
// not carry a tag or digest.
func New(repoRef string, opts ...Option) (*Cache, error) {
	c := &Cache{
		ref:       repoRef,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}

	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, fmt.Errorf("registry: parse reference %q: %w", repoRef, err)
	}
	if repo.Reference.Reference != "" {
		return nil, fmt.Errorf("registry: reference %q must not include a tag or digest", repoRef)
	}

	client := c.httpClient
	if client == nil {
		client = retry.DefaultClient
	}
	repo.PlainHTTP = c.plainHTTP
	repo.Client = &auth.Client{
		Client:     client,
		Cache:      auth.NewCache(),
		Credential: c.credential(repo.Reference.Registry),
		Header: http.Header{
			"User-Agent": []string{c.userAgent},
		},
	}
	c.repo = repo
	return c, nil
}

// newWithRepository builds a cache over an existing repository.
func newWithRepository(ref string, repo repository, opts ...Option) *Cache {
	c := &Cache{ref: ref, userAgent: defaultUserAgent}
	for _, opt := range opts {
		opt(c)
	}
	c.repo = repo
	return c
}

func (c *Cache) credential(host string) auth.CredentialFunc {
	if c.username != "" || c.password != "" {
		return auth.StaticCredential(host, auth.Credential{
			Username: c.username,
			Password: c.password,
		})
	}
	if c.credStore != nil {
		return credentials.Credential(c.credStore)
	}
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Tag returns the tag under which the archive for key is stored.
func Tag(key cache.Key) string {
	return key.Encoded()
}

// Lookup resolves the tag for key. Concurrent lookups of the same key share
// one registry round trip.
func (c *Cache) Lookup(ctx context.Context, key cache.Key) (cache.Record, bool) {
	if err := cache.ValidateKey(key); err != nil {
		return cache.Record{}, false
	}
	res, err := c.resolve(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.log().Debug("registry lookup failed", "fingerprint", key.String(), "error", err)
		}
		return cache.Record{}, false
	}
	return c.record(key, res), true
}

// Open fetches the archive layer. The returned reader fails with
// cache.ErrStorageUnavailable if the bytes do not match the layer digest.
func (c *Cache) Open(ctx context.Context, rec cache.Record) (io.ReadCloser, error) {
	res, ok := c.memo(rec.Key)
	if !ok {
		var err error
		if res, err = c.resolve(ctx, rec.Key); err != nil {
			return nil, cache.Unavailable(err)
		}
	}
	rc, err := c.repo.Fetch(ctx, res.layer)
	if err != nil {
		c.resolved.Delete(rec.Key)
		return nil, cache.Unavailable(mapError(err))
	}
	return newVerifyingReader(rc, res.layer), nil
}

// Commit pushes the archive layer and an empty config, then the manifest
// under the fingerprint tag.
func (c *Cache) Commit(ctx context.Context, key cache.Key, src io.ReaderAt, size int64) (cache.Record, error) {
	if err := cache.ValidateKey(key); err != nil {
		return cache.Record{}, err
	}
	if rec, ok := c.Lookup(ctx, key); ok {
		return rec, nil
	}

	layerDigest, err := digest.SHA256.FromReader(io.NewSectionReader(src, 0, size))
	if err != nil {
		return cache.Record{}, cache.Unavailable(err)
	}
	layer := ocispec.Descriptor{
		MediaType: MediaTypeArchive,
		Digest:    layerDigest,
		Size:      size,
		Annotations: map[string]string{
			ocispec.AnnotationTitle: archiveTitle,
		},
	}
	if err := c.pushBlob(ctx, layer, io.NewSectionReader(src, 0, size)); err != nil {
		return cache.Record{}, fmt.Errorf("push archive layer: %w", err)
	}

	configData := []byte("{}")
	config := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeEmptyJSON,
		Digest:    digest.FromBytes(configData),
		Size:      int64(len(configData)),
	}
	if err := c.pushBlob(ctx, config, bytes.NewReader(configData)); err != nil {
		return cache.Record{}, fmt.Errorf("push config: %w", err)
	}

	manifest := c.buildManifest(key, config, layer)
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return cache.Record{}, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestDesc := ocispec.Descriptor{
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Digest:       digest.FromBytes(manifestJSON),
		Size:         int64(len(manifestJSON)),
	}
	if err := c.repo.PushReference(ctx, manifestDesc, bytes.NewReader(manifestJSON), Tag(key)); err != nil {
		return cache.Record{}, fmt.Errorf("push manifest: %w", cache.Unavailable(mapError(err)))
	}

	res := resolved{manifest: manifestDesc, layer: layer}
	c.resolved.Store(key, res)
	c.log().Info("archive pushed", "fingerprint", key.String(), "tag", Tag(key), "bytes", size)
	return c.record(key, res), nil
}

// Delete removes the manifest tagged for key. Registries that do not allow
// deletion return an error; the blobs are left to registry garbage
// collection.
func (c *Cache) Delete(ctx context.Context, key cache.Key) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	res, ok := c.memo(key)
	if !ok {
		var err error
		if res, err = c.resolve(ctx, key); err != nil {
			if errors.Is(err, cache.ErrNotFound) || errors.Is(err, ErrInvalidArtifact) {
				return nil
			}
			return err
		}
	}
	c.resolved.Delete(key)
	if err := c.repo.Delete(ctx, res.manifest); err != nil && !errors.Is(err, errdef.ErrNotFound) {
		return mapError(err)
	}
	return nil
}

func (c *Cache) memo(key cache.Key) (resolved, bool) {
	v, ok := c.resolved.Load(key)
	if !ok {
		return resolved{}, false
	}
	return v.(resolved), true //nolint:errcheck // only resolved values are stored
}

func (c *Cache) resolve(ctx context.Context, key cache.Key) (resolved, error) {
	tag := Tag(key)
	v, err, _ := c.group.Do(tag, func() (any, error) {
		desc, rc, err := c.repo.FetchReference(ctx, tag)
		if err != nil {
			return resolved{}, mapError(err)
		}
		defer rc.Close()

		if desc.MediaType != "" && desc.MediaType != ocispec.MediaTypeImageManifest {
			return resolved{}, fmt.Errorf("%w: unsupported media type %s", ErrInvalidArtifact, desc.MediaType)
		}
		if desc.Size > maxManifestBytes {
			return resolved{}, fmt.Errorf("%w: manifest is %d bytes", ErrInvalidArtifact, desc.Size)
		}

		var manifest ocispec.Manifest
		if err := json.NewDecoder(io.LimitReader(rc, desc.Size)).Decode(&manifest); err != nil {
			return resolved{}, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
		}
		if manifest.ArtifactType != ArtifactType {
			return resolved{}, fmt.Errorf("%w: artifact type %q", ErrInvalidArtifact, manifest.ArtifactType)
		}
		if len(manifest.Layers) != 1 || manifest.Layers[0].MediaType != MediaTypeArchive {
			return resolved{}, fmt.Errorf("%w: expected one %s layer", ErrInvalidArtifact, MediaTypeArchive)
		}
		if got := manifest.Annotations[AnnotationFingerprint]; got != key.String() {
			return resolved{}, fmt.Errorf("%w: tag %s holds fingerprint %q", ErrInvalidArtifact, tag, got)
		}
		return resolved{manifest: desc, layer: manifest.Layers[0]}, nil
	})
	if err != nil {
		return resolved{}, err
	}
	res := v.(resolved) //nolint:errcheck // the group only returns resolved values
	c.resolved.Store(key, res)
	return res, nil
}

func (c *Cache) pushBlob(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error {
	if exists, err := c.repo.Exists(ctx, desc); err == nil && exists {
		return nil
	}
	if err := c.repo.Push(ctx, desc, r); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return cache.Unavailable(mapError(err))
	}
	return nil
}

func (c *Cache) buildManifest(key cache.Key, config, layer ocispec.Descriptor) ocispec.Manifest {
	annotations := make(map[string]string, len(c.annotations)+2)
	for k, v := range c.annotations {
		annotations[k] = v
	}
	if _, ok := annotations[ocispec.AnnotationCreated]; !ok {
		annotations[ocispec.AnnotationCreated] = time.Now().UTC().Format(time.RFC3339)
	}
	annotations[AnnotationFingerprint] = key.String()

	return ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       config,
		Layers:       []ocispec.Descriptor{layer},
		Annotations:  annotations,
	}
}

func (c *Cache) record(key cache.Key, res resolved) cache.Record {
	return cache.Record{
		Key:      key,
		Location: c.ref + ":" + Tag(key),
		Size:     res.layer.Size,
	}
}
