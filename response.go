package zipstream

import (
	"errors"
	"io"
	"sync"

	"github.com/meigma/zipstream/cache"
)

// Response is an archive being delivered to the caller.
//
// A cached archive has a known Size. A live build reports Size -1 and its
// reads block until the build has produced more bytes; if the build fails
// after bytes were delivered, Read returns an error wrapping
// ErrBuildAborted instead of io.EOF.
type Response struct {
	// Key is the fingerprint of the request.
	Key cache.Key

	// Cached reports whether the archive came from the cache.
	Cached bool

	// Size is the archive length, or -1 while it is unknown.
	Size int64

	body    io.ReadCloser
	cleanup func() error
	once    sync.Once
	err     error
}

// Read reads archive bytes.
func (r *Response) Read(p []byte) (int, error) {
	return r.body.Read(p)
}

// Close releases the response. Closing a live build before it finished
// cancels outstanding fetches and discards the partial archive.
func (r *Response) Close() error {
	r.once.Do(func() {
		err := r.body.Close()
		if r.cleanup != nil {
			err = errors.Join(err, r.cleanup())
		}
		r.err = err
	})
	return r.err
}
