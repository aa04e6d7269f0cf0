package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for metadata listings.
//
// Implementations must be safe for concurrent use. Each Write* method
// emits a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteSchema(ctx context.Context, s *SchemaRecord) error
	WriteTable(ctx context.Context, t *TableRecord) error
	WriteColumn(ctx context.Context, c *ColumnRecord) error
	WriteForeignKey(ctx context.Context, fk *ForeignKeyRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w       io.Writer
	service string
	mu      sync.Mutex
	count   int64
	closed  bool
}

// NewJSONLWriter creates a writer whose records name service.
func NewJSONLWriter(w io.Writer, service string) *JSONLWriter {
	return &JSONLWriter{w: w, service: service}
}

func (jw *JSONLWriter) WriteSchema(ctx context.Context, s *SchemaRecord) error {
	return jw.writeRecord(ctx, TypeSchema, s)
}

func (jw *JSONLWriter) WriteTable(ctx context.Context, t *TableRecord) error {
	return jw.writeRecord(ctx, TypeTable, t)
}

func (jw *JSONLWriter) WriteColumn(ctx context.Context, c *ColumnRecord) error {
	return jw.writeRecord(ctx, TypeColumn, c)
}

func (jw *JSONLWriter) WriteForeignKey(ctx context.Context, fk *ForeignKeyRecord) error {
	return jw.writeRecord(ctx, TypeForeignKey, fk)
}

// WriteSummary emits a summary record. Records is filled in with the
// number of records written before it.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	jw.mu.Lock()
	sum.Records = jw.count
	jw.mu.Unlock()
	if sum.DurationHuman == "" {
		sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	}
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Count returns how many records have been written.
func (jw *JSONLWriter) Count() int64 {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.count
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	recordBytes, err := json.Marshal(Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		Service: jw.service,
		Data:    dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a short write
	// would corrupt the line.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	if recordType != TypeSummary {
		jw.count++
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
