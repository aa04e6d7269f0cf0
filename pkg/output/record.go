// Package output provides JSONL output for TAP metadata listings.
//
// Output is structured as typed record envelopes containing schemas,
// tables, columns, foreign keys and a closing summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gotap.<type>.v<version>
const (
	TypeSchema     = "gotap.schema.v1"
	TypeTable      = "gotap.table.v1"
	TypeColumn     = "gotap.column.v1"
	TypeForeignKey = "gotap.fkey.v1"
	TypeSummary    = "gotap.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "gotap.table.v1").
	Type string `json:"type"`

	TS time.Time `json:"ts"`

	// Service is the TAP service base URL the record describes.
	Service string `json:"service"`

	Data json.RawMessage `json:"data"`
}

// SchemaRecord is the data payload for a schema.
type SchemaRecord struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	UType       string `json:"utype,omitempty"`
}

// TableRecord is the data payload for a table.
type TableRecord struct {
	Name        string `json:"name"`
	Schema      string `json:"schema"`
	Type        string `json:"table_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// ColumnRecord is the data payload for a column.
type ColumnRecord struct {
	Table       string `json:"table"`
	Name        string `json:"name"`
	DataType    string `json:"datatype,omitempty"`
	ArraySize   string `json:"arraysize,omitempty"`
	XType       string `json:"xtype,omitempty"`
	Unit        string `json:"unit,omitempty"`
	UCD         string `json:"ucd,omitempty"`
	Description string `json:"description,omitempty"`
	Indexed     bool   `json:"indexed,omitempty"`
	Principal   bool   `json:"principal,omitempty"`
	Std         bool   `json:"std,omitempty"`
}

// ForeignKeyRecord is the data payload for a foreign key.
type ForeignKeyRecord struct {
	Table       string           `json:"table"`
	TargetTable string           `json:"target_table"`
	Links       []ForeignKeyLink `json:"links"`
	Description string           `json:"description,omitempty"`
}

// ForeignKeyLink pairs a local column with the column it references.
type ForeignKeyLink struct {
	From   string `json:"from"`
	Target string `json:"target"`
}

// SummaryRecord closes a listing with the metadata session counters.
type SummaryRecord struct {
	Records int64 `json:"records"`

	// Fetched and Failed count node reads; a failed read is listed as empty.
	Fetched int64 `json:"fetched"`
	Failed  int64 `json:"failed"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
