package http //nolint:revive // intentional naming for domain clarity

import "log/slog"

// DefaultMaxRequestBytes caps the size of a POST /zip payload.
const DefaultMaxRequestBytes = 1 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithSample sets the payload served at GET /sample.zip. Without a sample
// that route answers 404.
func WithSample(raw []byte) Option {
	return func(h *Handler) {
		h.sample = raw
	}
}

// WithMaxRequestBytes caps the size of request payloads. Larger bodies are
// rejected with 413.
func WithMaxRequestBytes(n int64) Option {
	return func(h *Handler) {
		h.maxRequestBytes = n
	}
}

// WithLogger sets the logger for request events.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}
