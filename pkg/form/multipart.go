package form

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultBoundary is used when a Multipart has no explicit boundary.
	// It is unlikely to appear in VOTable or text content, but callers
	// uploading arbitrary binary data should supply their own.
	DefaultBoundary = "<<<--------------MULTIPART-BOUNDARY------->>>"

	// MaxBoundaryLength is the RFC 2046 sec 5.1.1 limit.
	MaxBoundaryLength = 70
)

// ErrBoundaryTooLong is returned for boundaries over MaxBoundaryLength.
var ErrBoundaryTooLong = errors.New("multipart boundary longer than 70 characters")

// ErrEmptyBoundary is returned for a boundary with no characters.
var ErrEmptyBoundary = errors.New("multipart boundary is empty")

// Header is a single MIME header line attached to a streamed part.
type Header struct {
	Name  string
	Value string
}

// StreamParam supplies the content of a streamed form field.
type StreamParam interface {
	// Headers returns extra MIME headers for the part, e.g. Content-Type.
	Headers() []Header

	// WriteContent writes the part body. It may be called once per request.
	WriteContent(w io.Writer) error
}

// BytesParam is a StreamParam over an in-memory byte slice.
type BytesParam struct {
	ContentType string
	Data        []byte
}

func (p BytesParam) Headers() []Header {
	if p.ContentType == "" {
		return nil
	}
	return []Header{{Name: "Content-Type", Value: p.ContentType}}
}

func (p BytesParam) WriteContent(w io.Writer) error {
	_, err := w.Write(p.Data)
	return err
}

// FileParam streams a local file as a form field.
type FileParam struct {
	Path        string
	ContentType string
}

func (p FileParam) Headers() []Header {
	ct := p.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return []Header{{Name: "Content-Type", Value: ct}}
}

func (p FileParam) WriteContent(w io.Writer) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("open upload %s: %w", p.Path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy upload %s: %w", p.Path, err)
	}
	return nil
}

// Multipart describes a multipart/form-data body.
type Multipart struct {
	// Boundary separates parts. Empty means DefaultBoundary.
	// The encoder does not scan content for collisions.
	Boundary string

	// Strings are written as text/plain parts.
	Strings map[string]string

	// Streams are written as file-like parts.
	Streams map[string]StreamParam
}

// RandomBoundary returns a fresh boundary built from a random UUID.
func RandomBoundary() string {
	return "gotap-" + uuid.NewString()
}

// ValidateBoundary checks the RFC 2046 length rule and header safety.
func ValidateBoundary(b string) error {
	if b == "" {
		return ErrEmptyBoundary
	}
	if len(b) > MaxBoundaryLength {
		return fmt.Errorf("%w: %d", ErrBoundaryTooLong, len(b))
	}
	return checkHeaderText(b)
}

func (m *Multipart) boundary() string {
	if m.Boundary == "" {
		return DefaultBoundary
	}
	return m.Boundary
}

// ContentType returns the Content-Type header value for this body.
func (m *Multipart) ContentType() string {
	return `multipart/form-data; boundary="` + m.boundary() + `"`
}

// WriteTo writes the complete multipart body to w.
//
// String fields come first, then streamed fields, each group in key order.
func (m *Multipart) WriteTo(w io.Writer) (int64, error) {
	b := m.boundary()
	if err := ValidateBoundary(b); err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	delim := "--" + b

	for _, name := range sortedKeys(m.Strings) {
		lines := []string{
			delim,
			"Content-Type: text/plain; charset=UTF-8",
			`Content-Disposition: form-data; name="` + name + `"`,
			"",
		}
		if err := writeHTTPLines(cw, lines...); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(ToTextPlain(m.Strings[name])); err != nil {
			return cw.n, err
		}
		if err := writeHTTPLines(cw, ""); err != nil {
			return cw.n, err
		}
	}

	for _, name := range sortedKeys(m.Streams) {
		param := m.Streams[name]
		lines := []string{
			delim,
			`Content-Disposition: form-data; name="` + name + `"; filename="` + name + `"`,
		}
		for _, h := range param.Headers() {
			lines = append(lines, h.Name+": "+h.Value)
		}
		lines = append(lines, "")
		if err := writeHTTPLines(cw, lines...); err != nil {
			return cw.n, err
		}
		if err := param.WriteContent(cw); err != nil {
			return cw.n, fmt.Errorf("write part %q: %w", name, err)
		}
		if err := writeHTTPLines(cw, ""); err != nil {
			return cw.n, err
		}
	}

	if err := writeHTTPLines(cw, delim+"--"); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Bytes renders the body into memory. Intended for small forms and tests.
func (m *Multipart) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeHTTPLines writes each line followed by CRLF.
// Header text is restricted to printable US-ASCII.
func writeHTTPLines(w io.Writer, lines ...string) error {
	var b strings.Builder
	for _, line := range lines {
		if err := checkHeaderText(line); err != nil {
			return err
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func checkHeaderText(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 32 || c > 126 {
			return fmt.Errorf("bad character for HTTP header 0x%02x", c)
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Strategy selects how a multipart body reaches the wire.
type Strategy struct {
	// ChunkSize > 0 streams the body with chunked transfer encoding,
	// buffered in chunks of this size. Zero or less selects stored mode.
	ChunkSize int

	// NewStore creates the buffer used in stored mode.
	// Nil means a SpoolStore with the default memory limit.
	NewStore func() ByteStore
}

// DefaultChunkSize is the chunk size used by DefaultStrategy.
const DefaultChunkSize = 1 << 20

// DefaultStrategy prefers chunked transfer.
func DefaultStrategy() Strategy {
	return Strategy{ChunkSize: DefaultChunkSize}
}

// Body returns a request body for m and its length.
// A length of -1 means the length is unknown and the body must be chunked.
// The caller must close the returned body.
func (s Strategy) Body(m *Multipart) (io.ReadCloser, int64, error) {
	if err := ValidateBoundary(m.boundary()); err != nil {
		return nil, 0, err
	}
	if s.ChunkSize > 0 {
		return Chunked(m, s.ChunkSize), -1, nil
	}
	newStore := s.NewStore
	if newStore == nil {
		newStore = func() ByteStore { return NewSpoolStore(0) }
	}
	return Stored(m, newStore())
}

// Chunked streams m through a pipe. Memory use is bounded by chunkSize.
func Chunked(m *Multipart, chunkSize int) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriterSize(pw, chunkSize)
		_, err := m.WriteTo(bw)
		if err == nil {
			err = bw.Flush()
		}
		_ = pw.CloseWithError(err)
	}()
	return pr
}

// Stored writes m fully into store and returns a reader over the result
// together with its exact byte length. The store is released when the
// returned reader is closed.
func Stored(m *Multipart, store ByteStore) (io.ReadCloser, int64, error) {
	if _, err := m.WriteTo(store); err != nil {
		_ = store.Close()
		return nil, 0, err
	}
	r, err := store.Reader()
	if err != nil {
		_ = store.Close()
		return nil, 0, err
	}
	return &storeReader{Reader: r, store: store}, store.Len(), nil
}

type storeReader struct {
	io.Reader
	store ByteStore
}

func (r *storeReader) Close() error {
	return r.store.Close()
}
