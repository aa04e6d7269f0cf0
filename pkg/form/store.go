package form

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultSpoolMemoryBytes controls how much of a stored upload is kept in
// memory before SpoolStore switches to a temp file.
const DefaultSpoolMemoryBytes int64 = 16 << 20 // 16 MiB

// ByteStore buffers content whose length must be known before sending.
type ByteStore interface {
	io.Writer

	// Len returns the number of bytes written so far.
	Len() int64

	// Reader returns a reader over everything written. Writing after
	// Reader has been called is not supported.
	Reader() (io.Reader, error)

	// Close releases any resources held by the store.
	Close() error
}

// MemoryStore keeps everything in memory.
type MemoryStore struct {
	buf bytes.Buffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *MemoryStore) Len() int64 { return int64(s.buf.Len()) }

func (s *MemoryStore) Reader() (io.Reader, error) {
	return bytes.NewReader(s.buf.Bytes()), nil
}

func (s *MemoryStore) Close() error {
	s.buf.Reset()
	return nil
}

// SpoolStore buffers in memory up to a limit, then spools to a temp file.
type SpoolStore struct {
	limit int64
	mem   bytes.Buffer
	file  *os.File
	n     int64
}

// NewSpoolStore creates a SpoolStore. maxMemoryBytes <= 0 selects
// DefaultSpoolMemoryBytes.
func NewSpoolStore(maxMemoryBytes int64) *SpoolStore {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultSpoolMemoryBytes
	}
	return &SpoolStore{limit: maxMemoryBytes}
}

func (s *SpoolStore) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.mem.Len())+int64(len(p)) > s.limit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.n += int64(n)
	return n, err
}

func (s *SpoolStore) spill() error {
	f, err := os.CreateTemp("", "gotap-upload-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("write spool file: %w", err)
	}
	s.mem.Reset()
	s.file = f
	return nil
}

// Spilled reports whether the store has moved to a temp file.
func (s *SpoolStore) Spilled() bool { return s.file != nil }

func (s *SpoolStore) Len() int64 { return s.n }

func (s *SpoolStore) Reader() (io.Reader, error) {
	if s.file == nil {
		return bytes.NewReader(s.mem.Bytes()), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return s.file, nil
}

func (s *SpoolStore) Close() error {
	s.mem.Reset()
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	closeErr := s.file.Close()
	rmErr := os.Remove(name)
	s.file = nil
	if closeErr != nil {
		return fmt.Errorf("close spool file: %w", closeErr)
	}
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("remove spool file: %w", rmErr)
	}
	return nil
}
