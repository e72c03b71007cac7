// Package http exposes archive building over HTTP.
//
// Routes:
//
//	GET  /sample.zip  archive of the configured sample payload (HEAD answers
//	                  headers only)
//	POST /zip         archive of the JSON payload in the request body
//	GET  /healthz     liveness probe
//
// Archive bytes are flushed to the client as soon as they are produced. A
// build that fails after bytes were sent aborts the connection, so the
// client sees a truncated transfer rather than a well-formed response.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"

	"github.com/meigma/zipstream"
	"github.com/meigma/zipstream/cache"
)

// Response headers.
const (
	HeaderCache       = "X-Zipstream-Cache"
	HeaderFingerprint = "X-Zipstream-Fingerprint"
)

const copyBufferSize = 32 << 10

// Builder produces archives. *zipstream.Service implements it.
type Builder interface {
	BuildOrServe(ctx context.Context, raw []byte, entries []zipstream.Entry) (*zipstream.Response, error)
}

// Handler routes archive requests to a Builder.
type Handler struct {
	builder         Builder
	sample          []byte
	maxRequestBytes int64
	logger          *slog.Logger
	mux             *nethttp.ServeMux
}

// NewHandler creates a Handler serving archives from builder.
func NewHandler(builder Builder, opts ...Option) *Handler {
	h := &Handler{
		builder:         builder,
		maxRequestBytes: DefaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.maxRequestBytes <= 0 {
		h.maxRequestBytes = DefaultMaxRequestBytes
	}

	h.mux = nethttp.NewServeMux()
	h.mux.HandleFunc("GET /sample.zip", h.serveSample)
	h.mux.HandleFunc("POST /zip", h.serveZip)
	h.mux.HandleFunc("GET /healthz", h.serveHealth)
	return h
}

// log returns the logger, falling back to a discard logger if nil.
func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.logger
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.log().Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveHealth(w nethttp.ResponseWriter, _ *nethttp.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func (h *Handler) serveSample(w nethttp.ResponseWriter, r *nethttp.Request) {
	if h.sample == nil {
		nethttp.NotFound(w, r)
		return
	}
	if r.Method == nethttp.MethodHead {
		h.describeArchive(w, "sample.zip")
		return
	}
	h.serveArchive(w, r, h.sample, "sample.zip")
}

// describeArchive answers HEAD without building anything.
func (h *Handler) describeArchive(w nethttp.ResponseWriter, name string) {
	hdr := w.Header()
	hdr.Set("Content-Type", "application/zip")
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(nethttp.StatusOK)
}

func (h *Handler) serveZip(w nethttp.ResponseWriter, r *nethttp.Request) {
	raw, err := io.ReadAll(nethttp.MaxBytesReader(w, r.Body, h.maxRequestBytes))
	if err != nil {
		var tooLarge *nethttp.MaxBytesError
		if errors.As(err, &tooLarge) {
			nethttp.Error(w, fmt.Sprintf("request payload exceeds %d bytes", tooLarge.Limit), nethttp.StatusRequestEntityTooLarge)
			return
		}
		nethttp.Error(w, "read request payload", nethttp.StatusBadRequest)
		return
	}
	h.serveArchive(w, r, raw, "archive.zip")
}

func (h *Handler) serveArchive(w nethttp.ResponseWriter, r *nethttp.Request, raw []byte, name string) {
	entries, err := zipstream.DecodeEntries(raw)
	if err != nil {
		h.log().Info("rejected payload", "path", r.URL.Path, "error", err)
		nethttp.Error(w, err.Error(), nethttp.StatusBadRequest)
		return
	}

	resp, err := h.builder.BuildOrServe(r.Context(), raw, entries)
	if err != nil {
		h.log().Error("start archive failed", "path", r.URL.Path, "error", err)
		status := nethttp.StatusInternalServerError
		if errors.Is(err, cache.ErrStorageUnavailable) {
			status = nethttp.StatusServiceUnavailable
		}
		nethttp.Error(w, nethttp.StatusText(status), status)
		return
	}
	defer resp.Close()

	log := h.log().With("fingerprint", resp.Key.Encoded(), "path", r.URL.Path)
	hdr := w.Header()
	hdr.Set("Content-Type", "application/zip")
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	hdr.Set(HeaderFingerprint, resp.Key.Encoded())
	if resp.Cached {
		hdr.Set(HeaderCache, "hit")
	} else {
		hdr.Set(HeaderCache, "miss")
	}
	if resp.Size >= 0 {
		hdr.Set("Content-Length", fmt.Sprint(resp.Size))
	}

	written, err := copyFlush(w, resp)
	switch {
	case err == nil:
		log.Info("archive delivered", "cached", resp.Cached, "bytes", written)
	case errors.Is(err, errClientGone), r.Context().Err() != nil:
		log.Info("client disconnected", "bytes", written, "error", err)
	case written == 0:
		log.Error("archive failed before first byte", "error", err)
		for _, k := range []string{"Content-Disposition", "Content-Length", HeaderCache, HeaderFingerprint} {
			hdr.Del(k)
		}
		nethttp.Error(w, nethttp.StatusText(nethttp.StatusBadGateway), nethttp.StatusBadGateway)
	default:
		log.Error("archive stream aborted", "bytes", written, "error", err)
		panic(nethttp.ErrAbortHandler)
	}
}

var errClientGone = errors.New("client write failed")

// copyFlush copies src to w, flushing after every chunk so the client
// receives bytes as soon as they are produced.
func copyFlush(w nethttp.ResponseWriter, src io.Reader) (int64, error) {
	rc := nethttp.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("%w: %w", errClientGone, werr)
			}
			_ = rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
