package stream

import (
	"io"
	"os"
	"sync"
)

// Backing stores the bytes of a Buffer. Writes always append; reads may
// happen concurrently with writes at offsets that were already written.
type Backing interface {
	io.Writer
	io.ReaderAt
}

// Memory is an in-memory Backing.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory returns an empty in-memory backing.
func NewMemory() *Memory {
	return &Memory{}
}

// Write appends p.
func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.data = append(m.data, p...)
	m.mu.Unlock()
	return len(p), nil
}

// ReadAt implements io.ReaderAt over the bytes written so far.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// TempFile is a Backing stored in a temporary file that is removed on Close.
type TempFile struct {
	*os.File
}

// NewTempFile creates a temporary file in dir (os.TempDir when empty) whose
// name matches pattern as in os.CreateTemp.
func NewTempFile(dir, pattern string) (*TempFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &TempFile{File: f}, nil
}

// Close closes and removes the file.
func (t *TempFile) Close() error {
	closeErr := t.File.Close()
	if err := os.Remove(t.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}
