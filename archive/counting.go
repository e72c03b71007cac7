package archive

import (
	"errors"
	"io"

	"github.com/meigma/zipstream/internal/sizing"
)

// errOverflow indicates the output cursor exceeded its maximum value.
var errOverflow = errors.New("archive: offset overflow")

// countingWriter wraps a writer and tracks the absolute output offset.
type countingWriter struct {
	w io.Writer
	n uint64
}

// Write implements io.Writer.
func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		next, ok := sizing.AddUint64(cw.n, uint64(n)) //nolint:gosec // n is non-negative per io.Writer
		if !ok {
			return n, errOverflow
		}
		cw.n = next
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}
