package archive

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// ErrCorrupt is returned when a finished archive cannot be read back.
var ErrCorrupt = errors.New("archive: corrupt container")

// List reads the central directory of a finished archive and returns its
// member names in directory order.
//
// Only the trailer and central directory are read; member bodies are not
// checksummed.
func List(r io.ReaderAt, size int64) ([]string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.Method != zip.Store {
			return nil, fmt.Errorf("%w: %s uses method %d", ErrCorrupt, f.Name, f.Method)
		}
		names = append(names, f.Name)
	}
	return names, nil
}
