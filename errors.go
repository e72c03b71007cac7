package zipstream

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrDecode is returned when a request payload is not a valid entry list.
	ErrDecode = errors.New("zipstream: invalid request payload")

	// ErrBuildAborted wraps the cause that stopped a build. Readers of a
	// live archive see it in place of io.EOF.
	ErrBuildAborted = errors.New("zipstream: build aborted")
)

// DecodeError describes the first invalid element of a request payload.
// Index is -1 when the payload as a whole is malformed.
type DecodeError struct {
	Index int
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
	}
	return fmt.Sprintf("%v: entry %d: %s: %v", ErrDecode, e.Index, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}
