// Package cache stores finished archives keyed by the fingerprint of the
// request that produced them.
//
// A record exists only for archives that were built completely. Stores never
// evict. Implementations must be safe for concurrent use; two builds of the
// same key may race to commit, in which case the later commit is a no-op.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors.
var (
	// ErrStorageUnavailable is returned when cached bytes cannot be read or
	// written. Callers treat it as a miss and rebuild.
	ErrStorageUnavailable = errors.New("cache: storage unavailable")

	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("cache: not found")

	// ErrInvalidKey is returned for keys that are not valid digests.
	ErrInvalidKey = errors.New("cache: invalid key")
)

// Key identifies a cached archive. It is the digest of the raw request
// payload.
type Key = digest.Digest

// Record describes a published archive.
type Record struct {
	Key      Key
	Location string
	Size     int64
}

// Store is a fingerprint-keyed archive cache.
type Store interface {
	// Lookup reports whether a record exists for key. It has no side effects;
	// backend failures are reported as a miss.
	Lookup(ctx context.Context, key Key) (Record, bool)

	// Open returns the bytes of a record. Errors wrap ErrStorageUnavailable
	// when the bytes can no longer be read.
	Open(ctx context.Context, rec Record) (io.ReadCloser, error)

	// Commit publishes size bytes read from src under key. Publication is
	// atomic: Lookup never observes a partial archive. Committing an existing
	// key leaves it untouched and returns the existing record.
	Commit(ctx context.Context, key Key, src io.ReaderAt, size int64) (Record, error)
}

// Deleter is implemented by stores that can drop a record, for example one
// whose bytes turned out to be unreadable.
type Deleter interface {
	Delete(ctx context.Context, key Key) error
}

// ValidateKey checks that key is a well-formed digest.
func ValidateKey(key Key) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// Unavailable wraps err with ErrStorageUnavailable unless it already is one.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
