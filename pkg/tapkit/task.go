package tapkit

import (
	"context"

	"github.com/3leaps/gotap/pkg/tapmeta"
)

type kind int

const (
	kindTables kind = iota
	kindColumns
	kindForeignKeys
)

func (k kind) String() string {
	switch k {
	case kindTables:
		return "tables"
	case kindColumns:
		return "columns"
	default:
		return "foreign keys"
	}
}

// taskKey identifies a node read. Two requests for the same node and kind
// share one read.
type taskKey struct {
	kind kind
	node any
}

// task describes how to read one child collection of a node and store it.
type task struct {
	key     taskKey
	label   string
	hasData func() bool

	// fetch reads the data and returns a function that stores it.
	fetch func(ctx context.Context, r tapmeta.Reader) (apply func(), err error)

	// empty stores an empty collection.
	empty func()
}

func newTask[N any, C any](
	k kind,
	node *N,
	name string,
	has func(*N) bool,
	read func(context.Context, tapmeta.Reader, *N) ([]C, error),
	set func(*N, []C),
) *task {
	return &task{
		key:     taskKey{kind: k, node: node},
		label:   k.String() + " of " + name,
		hasData: func() bool { return has(node) },
		fetch: func(ctx context.Context, r tapmeta.Reader) (func(), error) {
			items, err := read(ctx, r, node)
			if err != nil {
				return nil, err
			}
			return func() { set(node, items) }, nil
		},
		empty: func() { set(node, nil) },
	}
}

func tablesTask(s *tapmeta.SchemaMeta) *task {
	return newTask(kindTables, s, s.Name,
		func(s *tapmeta.SchemaMeta) bool {
			_, ok := s.Tables()
			return ok
		},
		func(ctx context.Context, r tapmeta.Reader, s *tapmeta.SchemaMeta) ([]*tapmeta.TableMeta, error) {
			return r.ReadTables(ctx, s)
		},
		(*tapmeta.SchemaMeta).SetTables)
}

func columnsTask(t *tapmeta.TableMeta) *task {
	return newTask(kindColumns, t, t.Name,
		func(t *tapmeta.TableMeta) bool {
			_, ok := t.Columns()
			return ok
		},
		func(ctx context.Context, r tapmeta.Reader, t *tapmeta.TableMeta) ([]*tapmeta.ColumnMeta, error) {
			return r.ReadColumns(ctx, t)
		},
		(*tapmeta.TableMeta).SetColumns)
}

func foreignKeysTask(t *tapmeta.TableMeta) *task {
	return newTask(kindForeignKeys, t, t.Name,
		func(t *tapmeta.TableMeta) bool {
			_, ok := t.ForeignKeys()
			return ok
		},
		func(ctx context.Context, r tapmeta.Reader, t *tapmeta.TableMeta) ([]*tapmeta.ForeignMeta, error) {
			return r.ReadForeignKeys(ctx, t)
		},
		(*tapmeta.TableMeta).SetForeignKeys)
}
