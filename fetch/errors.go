package fetch

import (
	"errors"
	"fmt"
)

// ErrFetchFailed is matched by every *Error.
var ErrFetchFailed = errors.New("fetch: source failed")

// Error describes a source that could not be retrieved.
//
// StatusCode is set when the server answered with a non-2xx status. Err is
// set for transport failures and for bodies that broke off mid-transfer.
type Error struct {
	Filename   string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s from %s: unexpected status %d", e.Filename, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s from %s: %v", e.Filename, e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s from %s: failed", e.Filename, e.URL)
	}
}

// Unwrap returns the underlying transport error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrFetchFailed.
func (e *Error) Is(target error) bool {
	return target == ErrFetchFailed
}
