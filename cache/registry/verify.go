package registry

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/zipstream/cache"
)

// verifyingReader checks the digest and size of a blob as it is read. The
// mismatch is reported in place of io.EOF so a corrupt blob never reads as
// a clean end of stream.
type verifyingReader struct {
	rc       io.ReadCloser
	desc     ocispec.Descriptor
	verifier digest.Verifier
	n        int64
}

func newVerifyingReader(rc io.ReadCloser, desc ocispec.Descriptor) *verifyingReader {
	return &verifyingReader{
		rc:       rc,
		desc:     desc,
		verifier: desc.Digest.Verifier(),
	}
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.n += int64(n)
		if r.n > r.desc.Size {
			return n, mismatch("%s exceeds %d bytes", r.desc.Digest, r.desc.Size)
		}
		_, _ = r.verifier.Write(p[:n])
	}
	if err == io.EOF {
		if r.n != r.desc.Size {
			return n, mismatch("%s is %d bytes, expected %d", r.desc.Digest, r.n, r.desc.Size)
		}
		if !r.verifier.Verified() {
			return n, mismatch("%s", r.desc.Digest)
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.rc.Close()
}

// mismatch reports damaged cached bytes; callers rebuild on
// cache.ErrStorageUnavailable.
func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", cache.ErrStorageUnavailable, ErrDigestMismatch, fmt.Sprintf(format, args...))
}
