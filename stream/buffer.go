package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Sentinel errors.
var (
	// ErrClosed is returned when writing to a closed Buffer or reading from a
	// closed Reader.
	ErrClosed = errors.New("stream: closed")
)

// Buffer is an append-only byte sequence that readers can tail while it
// grows. Write, Close and CloseWithError must be called from a single
// producer; NewReader and reads are safe from any goroutine.
type Buffer struct {
	backing Backing

	mu   sync.Mutex
	size int64
	done bool
	err  error
	wake chan struct{} // closed and replaced whenever size or done changes
}

// NewBuffer returns an empty Buffer storing its bytes in backing.
func NewBuffer(backing Backing) *Buffer {
	return &Buffer{
		backing: backing,
		wake:    make(chan struct{}),
	}
}

// Write appends p and wakes any waiting readers. The backing write happens
// outside the lock so slow storage never stalls readers of earlier bytes.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done {
		return 0, ErrClosed
	}

	n, err := b.backing.Write(p)
	if n > 0 {
		b.mu.Lock()
		b.size += int64(n)
		b.notifyLocked()
		b.mu.Unlock()
	}
	return n, err
}

// Close marks the sequence as complete. Readers return io.EOF after the
// last byte. Closing more than once has no effect.
func (b *Buffer) Close() error {
	return b.CloseWithError(nil)
}

// CloseWithError marks the sequence as terminated. A nil err is a normal
// end; otherwise readers return err after the last written byte instead of
// io.EOF. Only the first call has an effect.
func (b *Buffer) CloseWithError(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil
	}
	b.done = true
	b.err = err
	b.notifyLocked()
	return nil
}

// Size returns the number of bytes written so far.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Done reports whether the producer has closed the buffer, and with which
// error.
func (b *Buffer) Done() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.err
}

// NewReader returns a reader positioned at offset zero. Reads that have to
// wait for the producer give up when ctx is done.
func (b *Buffer) NewReader(ctx context.Context) *Reader {
	return &Reader{
		buf:     b,
		ctx:     ctx,
		closing: make(chan struct{}),
	}
}

func (b *Buffer) notifyLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// state returns a consistent snapshot for a reader.
func (b *Buffer) state() (size int64, done bool, err error, wake <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size, b.done, b.err, b.wake
}

// Reader tails a Buffer. A Reader is not safe for concurrent reads, but Close
// may be called from another goroutine to unblock a waiting Read.
type Reader struct {
	buf       *Buffer
	ctx       context.Context
	off       int64
	closing   chan struct{}
	closeOnce sync.Once
}

// Read returns bytes as soon as the producer has written them.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		select {
		case <-r.closing:
			return 0, ErrClosed
		default:
		}

		size, done, err, wake := r.buf.state()
		if r.off < size {
			want := min(int64(len(p)), size-r.off)
			n, readErr := r.buf.backing.ReadAt(p[:want], r.off)
			r.off += int64(n)
			if n > 0 {
				return n, nil
			}
			if readErr == nil || errors.Is(readErr, io.EOF) {
				return 0, io.ErrNoProgress
			}
			return 0, readErr
		}
		if done {
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}

		select {
		case <-wake:
		case <-r.closing:
			return 0, ErrClosed
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
}

// Offset returns the number of bytes this reader has consumed.
func (r *Reader) Offset() int64 {
	return r.off
}

// Close stops the reader. It does not affect the Buffer or other readers.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
	return nil
}
