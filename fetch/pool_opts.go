package fetch

import (
	"log/slog"
	nethttp "net/http"
)

// Option configures a Pool.
type Option func(*Pool)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(p *Pool) {
		p.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(p *Pool) {
		if headers == nil {
			return
		}
		p.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(p *Pool) {
		if p.headers == nil {
			p.headers = make(nethttp.Header)
		}
		p.headers.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header sent to sources.
func WithUserAgent(ua string) Option {
	return func(p *Pool) {
		p.userAgent = ua
	}
}

// WithConcurrency sets how many sources may be in flight or buffered
// without having been consumed. Values below 1 select the default of 8.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		p.concurrency = n
	}
}

// WithSpoolDir stores bodies in temporary files under dir instead of memory.
// Bodies fetched ahead of the entry being consumed wait there.
func WithSpoolDir(dir string) Option {
	return func(p *Pool) {
		p.spoolDir = dir
	}
}

// WithLogger sets the logger for fetch events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}
