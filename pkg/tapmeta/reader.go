package tapmeta

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Reader fetches metadata for one service.
type Reader interface {
	// Source describes where metadata comes from, for logs.
	Source() string

	ReadSchemas(ctx context.Context) ([]*SchemaMeta, error)
	ReadTables(ctx context.Context, schema *SchemaMeta) ([]*TableMeta, error)
	ReadColumns(ctx context.Context, table *TableMeta) ([]*ColumnMeta, error)
	ReadForeignKeys(ctx context.Context, table *TableMeta) ([]*ForeignMeta, error)
}

// Doer sends HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrorReader fails every read with Err. It stands in when no usable
// reader could be obtained.
type ErrorReader struct {
	Err error
}

func (r ErrorReader) Source() string { return "error: " + r.Err.Error() }

func (r ErrorReader) ReadSchemas(context.Context) ([]*SchemaMeta, error) { return nil, r.Err }

func (r ErrorReader) ReadTables(context.Context, *SchemaMeta) ([]*TableMeta, error) {
	return nil, r.Err
}

func (r ErrorReader) ReadColumns(context.Context, *TableMeta) ([]*ColumnMeta, error) {
	return nil, r.Err
}

func (r ErrorReader) ReadForeignKeys(context.Context, *TableMeta) ([]*ForeignMeta, error) {
	return nil, r.Err
}

// get fetches url and returns the open response body on 200.
func get(ctx context.Context, doer Doer, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := doer.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp.Body, nil
}

func joinURL(base, sub string) string {
	return strings.TrimRight(base, "/") + "/" + sub
}
