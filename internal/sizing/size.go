// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import (
	"io"
	"math"
)

// Uint32Max is the largest value representable in a 32-bit zip size field.
// Values at or above it force zip64 records.
const Uint32Max = math.MaxUint32

// Uint16Max is the largest value representable in a 16-bit zip count field.
const Uint16Max = math.MaxUint16

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// Clamp32 returns v as a uint32, saturating at Uint32Max.
func Clamp32(v uint64) uint32 {
	if v >= Uint32Max {
		return Uint32Max
	}
	return uint32(v)
}

// Clamp16 returns v as a uint16, saturating at Uint16Max.
func Clamp16(v uint64) uint16 {
	if v >= Uint16Max {
		return Uint16Max
	}
	return uint16(v)
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize { //nolint:gosec // len is always non-negative
		return nil, overflowErr
	}
	return data, nil
}
