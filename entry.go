package zipstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/meigma/zipstream/fetch"
	"github.com/meigma/zipstream/internal/sizing"
)

// DefaultManifestName is the name of the member that lists the request.
const DefaultManifestName = "files.json"

// Entry is one requested source and the member name it is stored under.
// Names are used verbatim; duplicates are kept as separate members.
type Entry struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// DecodeEntries parses and validates a request payload. An empty array is
// valid and produces an archive that holds only the manifest.
func DecodeEntries(raw []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &DecodeError{Index: -1, Err: errors.New("payload must be a JSON array")}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var entries []Entry
	if err := dec.Decode(&entries); err != nil {
		return nil, &DecodeError{Index: -1, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Index: -1, Err: errors.New("trailing data after array")}
	}

	for i, e := range entries {
		if err := validateURL(e.URL); err != nil {
			return nil, &DecodeError{Index: i, Field: "url", Err: err}
		}
		if e.Filename == "" {
			return nil, &DecodeError{Index: i, Field: "filename", Err: errors.New("must not be empty")}
		}
		if len(e.Filename) > sizing.Uint16Max {
			return nil, &DecodeError{Index: i, Field: "filename", Err: fmt.Errorf("is %d bytes, limit is %d", len(e.Filename), sizing.Uint16Max)}
		}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// EncodeManifest renders entries the way they appear in the manifest
// member: a JSON array indented by two spaces, without a trailing newline.
func EncodeManifest(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func fetchRequests(entries []Entry) []fetch.Request {
	reqs := make([]fetch.Request, len(entries))
	for i, e := range entries {
		reqs[i] = fetch.Request{URL: e.URL, Filename: e.Filename}
	}
	return reqs
}
