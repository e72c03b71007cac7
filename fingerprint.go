package zipstream

import (
	_ "crypto/sha256" // register digest algorithms
	_ "crypto/sha512"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/zipstream/cache"
)

// Fingerprint returns the cache key of a raw request payload. Only the exact
// bytes matter: payloads that differ in whitespace or key order get
// different keys.
func Fingerprint(raw []byte) cache.Key {
	return digest.SHA256.FromBytes(raw)
}

// FingerprintWith is Fingerprint with a caller-selected algorithm.
func FingerprintWith(alg digest.Algorithm, raw []byte) (cache.Key, error) {
	if !alg.Available() {
		return "", fmt.Errorf("zipstream: digest algorithm %q unavailable", alg)
	}
	return alg.FromBytes(raw), nil
}
