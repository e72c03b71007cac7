package archive

import (
	"time"

	"github.com/meigma/zipstream/internal/sizing"
)

// Option configures a Writer.
type Option func(*Writer)

// WithModTime sets the modification time recorded for every entry.
// Defaults to the time the Writer was created.
func WithModTime(t time.Time) Option {
	return func(w *Writer) {
		w.modified = t
	}
}

// WithComment sets the archive comment written in the end record.
// Comments longer than the 16-bit length field allows are truncated.
func WithComment(comment string) Option {
	return func(w *Writer) {
		if len(comment) > sizing.Uint16Max {
			comment = comment[:sizing.Uint16Max]
		}
		w.comment = comment
	}
}
