package registry

import (
	"log/slog"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a registry Cache.
type Option func(*Cache)

// WithPlainHTTP enables plain HTTP (no TLS) for the registry.
// This is useful for local development registries.
func WithPlainHTTP(enabled bool) Option {
	return func(c *Cache) {
		c.plainHTTP = enabled
	}
}

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) Option {
	return func(c *Cache) {
		c.credStore = store
	}
}

// WithStaticCredentials sets a username and password for the registry host.
func WithStaticCredentials(username, password string) Option {
	return func(c *Cache) {
		c.username = username
		c.password = password
	}
}

// WithDockerConfig reads credentials from ~/.docker/config.json and its
// credential helpers. Without a usable docker config the cache stays
// anonymous.
func WithDockerConfig() Option {
	return func(c *Cache) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		c.credStore = store
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) Option {
	return func(c *Cache) {
		c.userAgent = ua
	}
}

// WithHTTPClient sets the HTTP client beneath the auth layer. Defaults to
// the ORAS retrying client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		c.httpClient = client
	}
}

// WithAnnotations adds annotations to every pushed manifest.
func WithAnnotations(annotations map[string]string) Option {
	return func(c *Cache) {
		if c.annotations == nil {
			c.annotations = make(map[string]string, len(annotations))
		}
		for k, v := range annotations {
			c.annotations[k] = v
		}
	}
}

// WithLogger sets the logger for registry events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}
