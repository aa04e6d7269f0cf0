// Package tapmeta models TAP service metadata: schemas containing tables
// containing columns and foreign keys.
//
// Child collections start absent and are filled in once by whoever
// populates the tree. Accessors report absence separately from emptiness.
package tapmeta

import "sync"

// SchemaMeta describes a schema.
type SchemaMeta struct {
	Name        string
	Title       string
	Description string
	UType       string

	mu     sync.RWMutex
	tables []*TableMeta
	loaded bool
}

// Tables returns the schema's tables and whether they have been set.
func (s *SchemaMeta) Tables() ([]*TableMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables, s.loaded
}

// SetTables sets the tables. A nil slice marks the schema as having none.
func (s *SchemaMeta) SetTables(tables []*TableMeta) {
	if tables == nil {
		tables = []*TableMeta{}
	}
	s.mu.Lock()
	s.tables = tables
	s.loaded = true
	s.mu.Unlock()
}

// TableMeta describes a table.
type TableMeta struct {
	Name        string
	Schema      string
	Title       string
	Description string
	Type        string
	UType       string

	mu          sync.RWMutex
	columns     []*ColumnMeta
	hasColumns  bool
	foreignKeys []*ForeignMeta
	hasFKeys    bool
}

// Columns returns the table's columns and whether they have been set.
func (t *TableMeta) Columns() ([]*ColumnMeta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.columns, t.hasColumns
}

// SetColumns sets the columns.
func (t *TableMeta) SetColumns(cols []*ColumnMeta) {
	if cols == nil {
		cols = []*ColumnMeta{}
	}
	t.mu.Lock()
	t.columns = cols
	t.hasColumns = true
	t.mu.Unlock()
}

// ForeignKeys returns the table's foreign keys and whether they have been set.
func (t *TableMeta) ForeignKeys() ([]*ForeignMeta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.foreignKeys, t.hasFKeys
}

// SetForeignKeys sets the foreign keys.
func (t *TableMeta) SetForeignKeys(fks []*ForeignMeta) {
	if fks == nil {
		fks = []*ForeignMeta{}
	}
	t.mu.Lock()
	t.foreignKeys = fks
	t.hasFKeys = true
	t.mu.Unlock()
}

// ColumnMeta describes a column.
type ColumnMeta struct {
	Name        string
	Description string
	Unit        string
	UCD         string
	UType       string
	DataType    string
	ArraySize   string
	XType       string
	Indexed     bool
	Principal   bool
	Std         bool
}

// ForeignMeta describes a foreign key from one table to another.
type ForeignMeta struct {
	TargetTable string
	Description string
	UType       string
	Links       []ForeignLink
}

// ForeignLink pairs a local column with the column it references.
type ForeignLink struct {
	From   string
	Target string
}

// Capability summarises a TAP service capabilities document.
type Capability struct {
	StandardIDs   []string
	Languages     []string
	UploadMethods []string
	OutputFormats []string
}

// Resource is the registry record describing a service.
type Resource struct {
	Identifier   string
	ShortName    string
	Title        string
	Publisher    string
	Description  string
	ReferenceURL string
}
