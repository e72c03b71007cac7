package archive

import (
	"encoding/binary"
	"time"
)

const (
	localHeaderSignature    = 0x04034b50
	dataDescriptorSignature = 0x08074b50
	centralHeaderSignature  = 0x02014b50
	directoryEndSignature   = 0x06054b50
	directory64EndSignature = 0x06064b50
	directory64LocSignature = 0x07064b50

	localHeaderLen      = 30
	dataDescriptorLen   = 16
	dataDescriptor64Len = 24
	centralHeaderLen    = 46
	directoryEndLen     = 22
	directory64EndLen   = 56
	directory64LocLen   = 20
	zip64ExtraLen       = 28

	zip64ExtraID = 0x0001

	zipVersion20 = 20
	zipVersion45 = 45
	creatorUnix  = 3

	methodStore = 0

	flagDataDescriptor = 0x0008
	flagUTF8           = 0x0800

	// S_IFREG | 0644, stored in the high half of the external attributes.
	externalAttrsRegular = 0o100644 << 16
)

var le = binary.LittleEndian

// msDosTime converts t to the MS-DOS date and time fields used by zip headers.
// Times before 1980 are clamped to the DOS epoch.
func msDosTime(t time.Time) (date, clock uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9) //nolint:gosec // bounded by calendar fields
	clock = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)     //nolint:gosec // bounded by calendar fields
	return date, clock
}
