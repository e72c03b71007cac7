package archive

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"time"
	"unicode/utf8"

	"github.com/meigma/zipstream/internal/sizing"
)

// Sentinel errors.
var (
	// ErrSequence is returned when an operation is called out of phase, such as
	// writing body bytes with no open entry or finalizing twice.
	ErrSequence = errors.New("archive: operation out of sequence")

	// ErrInvalidName is returned when an entry name cannot be encoded.
	ErrInvalidName = errors.New("archive: invalid entry name")
)

// Phase is the lifecycle state of a Writer.
type Phase uint8

const (
	// PhaseOpen accepts new entries.
	PhaseOpen Phase = iota
	// PhaseFinalizing is writing the central directory.
	PhaseFinalizing
	// PhaseClosed has emitted the trailer; no further writes are allowed.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Record describes one member that has been fully written.
type Record struct {
	// Name is the member name exactly as passed to BeginEntry.
	Name string

	// Offset is the position of the member's local header.
	Offset uint64

	// CompressedSize is the stored size of the body. Equal to
	// UncompressedSize because bodies are never compressed.
	CompressedSize uint64

	// UncompressedSize is the number of body bytes written.
	UncompressedSize uint64

	// CRC32 is the IEEE checksum of the body.
	CRC32 uint32

	// Modified is the timestamp recorded in the headers.
	Modified time.Time
}

func (r *Record) zip64() bool {
	return r.CompressedSize >= sizing.Uint32Max || r.UncompressedSize >= sizing.Uint32Max
}

// Writer encodes a zip container one entry at a time.
//
// A Writer is not safe for concurrent use; callers must serialize all calls.
// Once the underlying writer fails, every later call returns that error.
type Writer struct {
	out      *countingWriter
	records  []Record
	phase    Phase
	current  *openEntry
	modified time.Time
	comment  string
	err      error
}

type openEntry struct {
	record Record
	crc    hash.Hash32
}

// NewWriter returns a Writer that emits the container to w.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	zw := &Writer{
		out:      &countingWriter{w: w},
		modified: time.Now(),
	}
	for _, opt := range opts {
		opt(zw)
	}
	return zw
}

// Phase returns the current lifecycle state.
func (w *Writer) Phase() Phase {
	return w.phase
}

// Offset returns the number of bytes emitted so far.
func (w *Writer) Offset() uint64 {
	return w.out.n
}

// Records returns a copy of the records of all closed entries, in write order.
func (w *Writer) Records() []Record {
	out := make([]Record, len(w.records))
	copy(out, w.records)
	return out
}

// BeginEntry starts a new member and writes its local header.
//
// The header carries zero sizes and checksum and sets the data descriptor
// flag; the real values follow the body when EndEntry is called.
func (w *Writer) BeginEntry(name string) error {
	if w.err != nil {
		return w.err
	}
	if w.phase != PhaseOpen {
		return fmt.Errorf("%w: begin entry %q in phase %s", ErrSequence, name, w.phase)
	}
	if w.current != nil {
		return fmt.Errorf("%w: begin entry %q while %q is open", ErrSequence, name, w.current.record.Name)
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > sizing.Uint16Max {
		return fmt.Errorf("%w: name is %d bytes", ErrInvalidName, len(name))
	}

	offset := w.out.n
	date, clock := msDosTime(w.modified)

	buf := make([]byte, 0, localHeaderLen+len(name))
	buf = le.AppendUint32(buf, localHeaderSignature)
	buf = le.AppendUint16(buf, zipVersion20)
	buf = le.AppendUint16(buf, entryFlags(name))
	buf = le.AppendUint16(buf, methodStore)
	buf = le.AppendUint16(buf, clock)
	buf = le.AppendUint16(buf, date)
	buf = le.AppendUint32(buf, 0) // crc32, in data descriptor
	buf = le.AppendUint32(buf, 0) // compressed size, in data descriptor
	buf = le.AppendUint32(buf, 0) // uncompressed size, in data descriptor
	buf = le.AppendUint16(buf, uint16(len(name)))
	buf = le.AppendUint16(buf, 0) // extra length
	buf = append(buf, name...)

	if err := w.emit(buf); err != nil {
		return err
	}

	w.current = &openEntry{
		record: Record{
			Name:     name,
			Offset:   offset,
			Modified: w.modified,
		},
		crc: crc32.NewIEEE(),
	}
	return nil
}

// Write appends body bytes to the open entry.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.current == nil {
		return 0, fmt.Errorf("%w: write with no open entry", ErrSequence)
	}
	n, err := w.out.Write(p)
	if n > 0 {
		_, _ = w.current.crc.Write(p[:n]) //nolint:errcheck // hash writes never fail
		w.current.record.UncompressedSize += uint64(n)
		w.current.record.CompressedSize += uint64(n)
	}
	if err != nil {
		w.err = err
		return n, err
	}
	return n, nil
}

// EndEntry closes the open entry, writes its data descriptor and returns
// the finished record.
func (w *Writer) EndEntry() (Record, error) {
	if w.err != nil {
		return Record{}, w.err
	}
	if w.current == nil {
		return Record{}, fmt.Errorf("%w: end entry with no open entry", ErrSequence)
	}

	rec := w.current.record
	rec.CRC32 = w.current.crc.Sum32()

	var buf []byte
	if rec.zip64() {
		buf = make([]byte, 0, dataDescriptor64Len)
	} else {
		buf = make([]byte, 0, dataDescriptorLen)
	}
	buf = le.AppendUint32(buf, dataDescriptorSignature)
	buf = le.AppendUint32(buf, rec.CRC32)
	if rec.zip64() {
		buf = le.AppendUint64(buf, rec.CompressedSize)
		buf = le.AppendUint64(buf, rec.UncompressedSize)
	} else {
		buf = le.AppendUint32(buf, uint32(rec.CompressedSize))   //nolint:gosec // checked by zip64
		buf = le.AppendUint32(buf, uint32(rec.UncompressedSize)) //nolint:gosec // checked by zip64
	}
	if err := w.emit(buf); err != nil {
		return Record{}, err
	}

	w.current = nil
	w.records = append(w.records, rec)
	return rec, nil
}

// CreateEntry writes a complete member whose body is read from r.
func (w *Writer) CreateEntry(name string, r io.Reader) (Record, error) {
	if err := w.BeginEntry(name); err != nil {
		return Record{}, err
	}
	if _, err := io.Copy(w, r); err != nil {
		return Record{}, err
	}
	return w.EndEntry()
}

// Finalize writes the central directory and end records. It fails with
// ErrSequence if an entry is still open or the trailer was already written.
func (w *Writer) Finalize() error {
	if w.err != nil {
		return w.err
	}
	if w.phase != PhaseOpen {
		return fmt.Errorf("%w: finalize in phase %s", ErrSequence, w.phase)
	}
	if w.current != nil {
		return fmt.Errorf("%w: finalize while %q is open", ErrSequence, w.current.record.Name)
	}
	w.phase = PhaseFinalizing

	start := w.out.n
	for i := range w.records {
		if err := w.emit(centralHeader(&w.records[i])); err != nil {
			return err
		}
	}
	end := w.out.n

	if err := w.emit(directoryEnd(uint64(len(w.records)), end-start, start, end, w.comment)); err != nil {
		return err
	}
	w.phase = PhaseClosed
	return nil
}

// emit writes b in full, recording any failure as sticky.
func (w *Writer) emit(b []byte) error {
	if _, err := w.out.Write(b); err != nil {
		w.err = err
		return err
	}
	return nil
}

// centralHeader encodes the central directory header for rec.
func centralHeader(rec *Record) []byte {
	needs64 := rec.zip64() || rec.Offset >= sizing.Uint32Max
	version := uint16(zipVersion20)
	if needs64 {
		version = zipVersion45
	}
	date, clock := msDosTime(rec.Modified)

	buf := make([]byte, 0, centralHeaderLen+len(rec.Name)+zip64ExtraLen)
	buf = le.AppendUint32(buf, centralHeaderSignature)
	buf = le.AppendUint16(buf, creatorUnix<<8|version)
	buf = le.AppendUint16(buf, version)
	buf = le.AppendUint16(buf, entryFlags(rec.Name))
	buf = le.AppendUint16(buf, methodStore)
	buf = le.AppendUint16(buf, clock)
	buf = le.AppendUint16(buf, date)
	buf = le.AppendUint32(buf, rec.CRC32)

	extraLen := 0
	if needs64 {
		// Both sizes saturate so readers consult the zip64 extra field,
		// which always carries sizes and offset in that order.
		buf = le.AppendUint32(buf, sizing.Uint32Max)
		buf = le.AppendUint32(buf, sizing.Uint32Max)
		extraLen = zip64ExtraLen
	} else {
		buf = le.AppendUint32(buf, uint32(rec.CompressedSize))   //nolint:gosec // checked by needs64
		buf = le.AppendUint32(buf, uint32(rec.UncompressedSize)) //nolint:gosec // checked by needs64
	}
	buf = le.AppendUint16(buf, uint16(len(rec.Name))) //nolint:gosec // validated in BeginEntry
	buf = le.AppendUint16(buf, uint16(extraLen))      //nolint:gosec // constant
	buf = le.AppendUint16(buf, 0)                     // comment length
	buf = le.AppendUint16(buf, 0)                     // disk number start
	buf = le.AppendUint16(buf, 0)                     // internal attributes
	buf = le.AppendUint32(buf, externalAttrsRegular)
	buf = le.AppendUint32(buf, sizing.Clamp32(rec.Offset))
	buf = append(buf, rec.Name...)

	if needs64 {
		buf = le.AppendUint16(buf, zip64ExtraID)
		buf = le.AppendUint16(buf, zip64ExtraLen-4)
		buf = le.AppendUint64(buf, rec.UncompressedSize)
		buf = le.AppendUint64(buf, rec.CompressedSize)
		buf = le.AppendUint64(buf, rec.Offset)
	}
	return buf
}

// directoryEnd encodes the end of central directory record, preceded by the
// zip64 end record and locator when any field overflows its classic width.
func directoryEnd(records, size, start, end uint64, comment string) []byte {
	buf := make([]byte, 0, directory64EndLen+directory64LocLen+directoryEndLen+len(comment))

	if records >= sizing.Uint16Max || size >= sizing.Uint32Max || start >= sizing.Uint32Max {
		buf = le.AppendUint32(buf, directory64EndSignature)
		buf = le.AppendUint64(buf, directory64EndLen-12) // excludes signature and length fields
		buf = le.AppendUint16(buf, zipVersion45)         // version made by
		buf = le.AppendUint16(buf, zipVersion45)         // version needed
		buf = le.AppendUint32(buf, 0)                    // this disk
		buf = le.AppendUint32(buf, 0)                    // disk with central directory
		buf = le.AppendUint64(buf, records)              // entries on this disk
		buf = le.AppendUint64(buf, records)              // entries total
		buf = le.AppendUint64(buf, size)
		buf = le.AppendUint64(buf, start)

		buf = le.AppendUint32(buf, directory64LocSignature)
		buf = le.AppendUint32(buf, 0) // disk with zip64 end record
		buf = le.AppendUint64(buf, end)
		buf = le.AppendUint32(buf, 1) // total disks

		// Saturate every classic field so readers switch to the zip64 record.
		records = sizing.Uint16Max
		size = sizing.Uint32Max
		start = sizing.Uint32Max
	}

	buf = le.AppendUint32(buf, directoryEndSignature)
	buf = le.AppendUint16(buf, 0) // this disk
	buf = le.AppendUint16(buf, 0) // disk with central directory
	buf = le.AppendUint16(buf, sizing.Clamp16(records))
	buf = le.AppendUint16(buf, sizing.Clamp16(records))
	buf = le.AppendUint32(buf, sizing.Clamp32(size))
	buf = le.AppendUint32(buf, sizing.Clamp32(start))
	buf = le.AppendUint16(buf, uint16(len(comment))) //nolint:gosec // validated in WithComment
	buf = append(buf, comment...)
	return buf
}

// entryFlags returns the general purpose flags for a member named name.
func entryFlags(name string) uint16 {
	flags := uint16(flagDataDescriptor)
	if !isASCII(name) && utf8.ValidString(name) {
		flags |= flagUTF8
	}
	return flags
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
