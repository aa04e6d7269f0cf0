package tapmeta

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// TablesetReader serves metadata from a service's VOSI tables endpoint.
//
// The document is fetched on first use and kept. A failed fetch is not
// cached, so a later read tries again.
type TablesetReader struct {
	doer   Doer
	url    string
	logger *zap.Logger

	mu  sync.Mutex
	doc *tableset
}

// NewTablesetReader creates a reader for {serviceURL}/tables.
func NewTablesetReader(doer Doer, serviceURL string, logger *zap.Logger) *TablesetReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TablesetReader{doer: doer, url: joinURL(serviceURL, "tables"), logger: logger}
}

func (r *TablesetReader) Source() string { return r.url }

func (r *TablesetReader) load(ctx context.Context) (*tableset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc != nil {
		return r.doc, nil
	}

	body, err := get(ctx, r.doer, r.url)
	if err != nil {
		return nil, fmt.Errorf("read tableset: %w", err)
	}
	defer func() { _ = body.Close() }()

	doc, err := parseTableset(body)
	if err != nil {
		return nil, fmt.Errorf("read tableset %s: %w", r.url, err)
	}
	r.logger.Debug("Loaded tableset",
		zap.String("url", r.url),
		zap.Int("schemas", len(doc.Schemas)))
	r.doc = doc
	return doc, nil
}

func (r *TablesetReader) ReadSchemas(ctx context.Context) ([]*SchemaMeta, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*SchemaMeta, 0, len(doc.Schemas))
	for _, s := range doc.Schemas {
		out = append(out, &SchemaMeta{
			Name:        s.Name,
			Title:       s.Title,
			Description: s.Description,
			UType:       s.UType,
		})
	}
	return out, nil
}

func (r *TablesetReader) ReadTables(ctx context.Context, schema *SchemaMeta) ([]*TableMeta, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range doc.Schemas {
		if s.Name != schema.Name {
			continue
		}
		out := make([]*TableMeta, 0, len(s.Tables))
		for _, t := range s.Tables {
			out = append(out, &TableMeta{
				Name:        t.Name,
				Schema:      s.Name,
				Title:       t.Title,
				Description: t.Description,
				Type:        t.Type,
				UType:       t.UType,
			})
		}
		return out, nil
	}
	return nil, fmt.Errorf("schema %q not in tableset", schema.Name)
}

func (r *TablesetReader) ReadColumns(ctx context.Context, table *TableMeta) ([]*ColumnMeta, error) {
	t, err := r.findTable(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]*ColumnMeta, 0, len(t.Columns))
	for _, c := range t.Columns {
		col := &ColumnMeta{
			Name:        c.Name,
			Description: c.Description,
			Unit:        c.Unit,
			UCD:         c.UCD,
			UType:       c.UType,
			DataType:    c.DataType.Value,
			ArraySize:   c.DataType.ArraySize,
			XType:       c.DataType.XType,
			Std:         c.Std == "true",
		}
		for _, f := range c.Flags {
			switch strings.TrimSpace(f) {
			case "indexed":
				col.Indexed = true
			case "principal":
				col.Principal = true
			}
		}
		out = append(out, col)
	}
	return out, nil
}

func (r *TablesetReader) ReadForeignKeys(ctx context.Context, table *TableMeta) ([]*ForeignMeta, error) {
	t, err := r.findTable(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]*ForeignMeta, 0, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		fm := &ForeignMeta{
			TargetTable: fk.TargetTable,
			Description: fk.Description,
			UType:       fk.UType,
		}
		for _, l := range fk.Columns {
			fm.Links = append(fm.Links, ForeignLink{From: l.From, Target: l.Target})
		}
		out = append(out, fm)
	}
	return out, nil
}

func (r *TablesetReader) findTable(ctx context.Context, table *TableMeta) (*xmlTable, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range doc.Schemas {
		s := &doc.Schemas[i]
		if table.Schema != "" && s.Name != table.Schema {
			continue
		}
		for j := range s.Tables {
			if s.Tables[j].Name == table.Name {
				return &s.Tables[j], nil
			}
		}
	}
	return nil, fmt.Errorf("table %q not in tableset", table.Name)
}

type tableset struct {
	Schemas []xmlSchema `xml:"schema"`
}

type xmlSchema struct {
	Name        string     `xml:"name"`
	Title       string     `xml:"title"`
	Description string     `xml:"description"`
	UType       string     `xml:"utype"`
	Tables      []xmlTable `xml:"table"`
}

type xmlTable struct {
	Type        string          `xml:"type,attr"`
	Name        string          `xml:"name"`
	Title       string          `xml:"title"`
	Description string          `xml:"description"`
	UType       string          `xml:"utype"`
	Columns     []xmlColumn     `xml:"column"`
	ForeignKeys []xmlForeignKey `xml:"foreignKey"`
}

type xmlColumn struct {
	Std         string      `xml:"std,attr"`
	Name        string      `xml:"name"`
	Description string      `xml:"description"`
	Unit        string      `xml:"unit"`
	UCD         string      `xml:"ucd"`
	UType       string      `xml:"utype"`
	DataType    xmlDataType `xml:"dataType"`
	Flags       []string    `xml:"flag"`
}

type xmlDataType struct {
	ArraySize string `xml:"arraysize,attr"`
	XType     string `xml:"extendedType,attr"`
	Value     string `xml:",chardata"`
}

type xmlForeignKey struct {
	TargetTable string        `xml:"targetTable"`
	Description string        `xml:"description"`
	UType       string        `xml:"utype"`
	Columns     []xmlFKColumn `xml:"fkColumn"`
}

type xmlFKColumn struct {
	From   string `xml:"fromColumn"`
	Target string `xml:"targetColumn"`
}

// parseTableset reads a VOSI tableset, matching names on local part only.
func parseTableset(r io.Reader) (*tableset, error) {
	var ts tableset
	if err := decodeFirst(r, "tableset", &ts); err != nil {
		return nil, err
	}
	ts.trim()
	return &ts, nil
}

func (ts *tableset) trim() {
	for i := range ts.Schemas {
		s := &ts.Schemas[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Description = strings.TrimSpace(s.Description)
		for j := range s.Tables {
			t := &s.Tables[j]
			t.Name = strings.TrimSpace(t.Name)
			t.Description = strings.TrimSpace(t.Description)
			for k := range t.Columns {
				c := &t.Columns[k]
				c.Name = strings.TrimSpace(c.Name)
				c.DataType.Value = strings.TrimSpace(c.DataType.Value)
			}
		}
	}
}
