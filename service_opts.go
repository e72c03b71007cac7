package zipstream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/zipstream/fetch"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for build events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConcurrency sets how many sources one build fetches ahead.
// Defaults to fetch.DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		s.concurrency = n
	}
}

// WithWorkDir sets the directory for in-progress build files and spooled
// source bodies. Defaults to os.TempDir. The directory is created if
// missing.
func WithWorkDir(dir string) Option {
	return func(s *Service) {
		s.workDir = dir
	}
}

// WithHTTPClient sets the client used to fetch sources.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		s.httpClient = client
	}
}

// WithFetchOptions passes additional options to the fetch pool, such as
// headers or a User-Agent.
func WithFetchOptions(opts ...fetch.Option) Option {
	return func(s *Service) {
		s.fetchOpts = append(s.fetchOpts, opts...)
	}
}

// WithManifestName sets the name of the manifest member.
// Defaults to DefaultManifestName.
func WithManifestName(name string) Option {
	return func(s *Service) {
		s.manifestName = name
	}
}

// WithModTime fixes the modification time recorded for every member.
// By default each build uses the time it started.
func WithModTime(t time.Time) Option {
	return func(s *Service) {
		s.modTime = t
	}
}

// WithVerifyCached controls whether cached archives that support random
// access are checked with archive.List before they are served. Enabled by
// default.
func WithVerifyCached(enabled bool) Option {
	return func(s *Service) {
		s.verifyCached = enabled
	}
}

// WithFingerprintAlgorithm selects the digest used for cache keys.
// Defaults to SHA-256.
func WithFingerprintAlgorithm(alg digest.Algorithm) Option {
	return func(s *Service) {
		s.algorithm = alg
	}
}
