package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/internal/observability"
	"github.com/3leaps/gotap/pkg/eventloop"
	"github.com/3leaps/gotap/pkg/match"
	"github.com/3leaps/gotap/pkg/output"
	"github.com/3leaps/gotap/pkg/tapkit"
	"github.com/3leaps/gotap/pkg/tapmeta"
)

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Browse service metadata",
	Long: `Browse a TAP service's schemas, tables, columns and foreign keys, and
show its capabilities and registry record.

Example:
  gotap meta schemas
  gotap meta tables --match 'ivoa.*'
  gotap meta columns ivoa.obscore
  gotap meta tables --jsonl > tables.jsonl`,
}

var metaSchemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "List schemas",
	Args:  cobra.NoArgs,
	RunE:  runMetaSchemas,
}

var metaTablesCmd = &cobra.Command{
	Use:   "tables [schema...]",
	Short: "List tables",
	Long: `List tables of the given schemas, or of all schemas. --match keeps
qualified table names matching a glob such as 'ivoa.*' or '*.obs{core,plan}';
--exclude drops names matching a glob. Both repeat and ignore case.`,
	RunE: runMetaTables,
}

var metaColumnsCmd = &cobra.Command{
	Use:   "columns <table>",
	Short: "List a table's columns",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetaColumns,
}

var metaFKeysCmd = &cobra.Command{
	Use:   "fkeys <table>",
	Short: "List a table's foreign keys",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetaFKeys,
}

var metaCapabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show service capabilities",
	Args:  cobra.NoArgs,
	RunE:  runMetaCapabilities,
}

var metaResourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Show the service's registry record",
	Args:  cobra.NoArgs,
	RunE:  runMetaResource,
}

var (
	metaTablesMatch   []string
	metaTablesExclude []string
	metaJSONL         bool
)

func init() {
	rootCmd.AddCommand(metaCmd)
	metaCmd.AddCommand(metaSchemasCmd)
	metaCmd.AddCommand(metaTablesCmd)
	metaCmd.AddCommand(metaColumnsCmd)
	metaCmd.AddCommand(metaFKeysCmd)
	metaCmd.AddCommand(metaCapabilitiesCmd)
	metaCmd.AddCommand(metaResourceCmd)

	metaCmd.PersistentFlags().BoolVar(&metaJSONL, "jsonl", false, "Write listings as JSONL records")
	metaTablesCmd.Flags().StringArrayVar(&metaTablesMatch, "match", nil, "Keep tables whose name matches the glob (repeatable)")
	metaTablesCmd.Flags().StringArrayVar(&metaTablesExclude, "exclude", nil, "Drop tables whose name matches the glob (repeatable)")
}

// metaSession runs a Kit whose results are delivered on a private loop.
type metaSession struct {
	loop    *eventloop.Loop
	kit     *tapkit.Kit
	batch   int
	service string
	started time.Time
}

func openMeta(ctx context.Context) (*metaSession, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	base, err := serviceURL(cfg)
	if err != nil {
		return nil, err
	}
	conn := newConnector(cfg)
	loop := eventloop.Start(ctx)
	return &metaSession{
		loop:  loop,
		kit:   newKit(cfg, newService(cfg, base, conn), loop),
		batch:   cfg.Meta.QueueLimit,
		service: base,
		started: time.Now(),
	}, nil
}

func (m *metaSession) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.kit.Shutdown(ctx); err != nil {
		observability.CLILogger.Warn("Metadata reads did not stop in time", zap.Error(err))
	}
	m.loop.Close()
	<-m.loop.Done()

	st := m.kit.Stats()
	observability.CLILogger.Debug("Metadata session finished",
		zap.Int64("fetched", st.Fetched),
		zap.Int64("failed", st.Failed),
		zap.Int64("joined", st.Joined),
		zap.Int64("immediate", st.Immediate))
}

// jsonl returns a record writer for listings, or nil for table output.
func (m *metaSession) jsonl(w io.Writer) *output.JSONLWriter {
	if !metaJSONL {
		return nil
	}
	return output.NewJSONLWriter(w, m.service)
}

// finish closes a JSONL listing with a summary record.
func (m *metaSession) finish(ctx context.Context, jw *output.JSONLWriter, err error) error {
	if err == nil {
		st := m.kit.Stats()
		err = jw.WriteSummary(ctx, &output.SummaryRecord{
			Fetched:  st.Fetched,
			Failed:   st.Failed,
			Duration: time.Since(m.started),
		})
	}
	_ = jw.Close()
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write records", err)
	}
	return nil
}

// acquireSync starts a one-shot acquisition and waits for its outcome.
func acquireSync[T any](ctx context.Context, start func(tapkit.ResultHandler[T])) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	start(tapkit.HandlerFuncs[T]{
		Result: func(v T) { ch <- outcome{v: v} },
		Error:  func(err error) { ch <- outcome{err: err} },
	})
	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// loopRunner runs a function on the presentation loop and waits for it.
type loopRunner interface {
	Do(ctx context.Context, fn func()) error
}

// populate requests every node from the loop goroutine and waits until
// all callbacks have run. Requests go out in batches no larger than the
// queue limit so none is discarded.
func populate[N any](ctx context.Context, loop loopRunner, batch int, nodes []N, request func(N, func()) bool) error {
	if batch < 1 {
		batch = 1
	}
	for len(nodes) > 0 {
		n := min(batch, len(nodes))
		var wg sync.WaitGroup
		wg.Add(n)
		pending := nodes[:n]
		if err := loop.Do(ctx, func() {
			for _, node := range pending {
				request(node, wg.Done)
			}
		}); err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		nodes = nodes[n:]
	}
	return nil
}

func (m *metaSession) schemas(ctx context.Context) ([]*tapmeta.SchemaMeta, error) {
	schemas, err := acquireSync(ctx, m.kit.AcquireSchemas)
	if err != nil {
		return nil, serviceError(ctx, "Failed to read schemas", err)
	}
	return schemas, nil
}

// tables returns the tables of the named schemas, or of all schemas.
func (m *metaSession) tables(ctx context.Context, only []string) ([]*tapmeta.TableMeta, error) {
	schemas, err := m.schemas(ctx)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		want := make(map[string]bool, len(only))
		for _, s := range only {
			want[strings.ToLower(s)] = true
		}
		var selected []*tapmeta.SchemaMeta
		for _, s := range schemas {
			if want[strings.ToLower(s.Name)] {
				selected = append(selected, s)
			}
		}
		if len(selected) == 0 {
			return nil, exitError(foundry.ExitInvalidArgument, "Unknown schema", fmt.Errorf("no schema named %s", strings.Join(only, ", ")))
		}
		schemas = selected
	}

	if err := populate(ctx, m.loop, m.batch, schemas, m.kit.OnTables); err != nil {
		return nil, exitError(foundry.ExitSignalInt, "Reading tables cancelled", err)
	}

	var out []*tapmeta.TableMeta
	for _, s := range schemas {
		tables, _ := s.Tables()
		out = append(out, tables...)
	}
	return out, nil
}

// findTable looks a table up by its name as published, or by schema and
// bare name.
func (m *metaSession) findTable(ctx context.Context, name string) (*tapmeta.TableMeta, error) {
	tables, err := m.tables(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if strings.EqualFold(t.Name, name) || strings.EqualFold(t.Schema+"."+t.Name, name) {
			return t, nil
		}
	}
	return nil, exitError(foundry.ExitInvalidArgument, "Unknown table", fmt.Errorf("no table named %s", name))
}

func runMetaSchemas(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	schemas, err := m.schemas(ctx)
	if err != nil {
		return err
	}
	if jw := m.jsonl(cmd.OutOrStdout()); jw != nil {
		for _, s := range schemas {
			if err = jw.WriteSchema(ctx, &output.SchemaRecord{
				Name:        s.Name,
				Title:       s.Title,
				Description: s.Description,
				UType:       s.UType,
			}); err != nil {
				break
			}
		}
		return m.finish(ctx, jw, err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "SCHEMA\tDESCRIPTION")
	for _, s := range schemas {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", s.Name, oneLine(s.Description))
	}
	return nil
}

func runMetaTables(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	matcher, err := match.New(match.Config{Includes: metaTablesMatch, Excludes: metaTablesExclude})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid table pattern", err)
	}

	m, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	tables, err := m.tables(ctx, args)
	if err != nil {
		return err
	}
	tables = match.Filter(matcher, tables, func(t *tapmeta.TableMeta) string { return t.Name })

	if jw := m.jsonl(cmd.OutOrStdout()); jw != nil {
		for _, t := range tables {
			if err = jw.WriteTable(ctx, &output.TableRecord{
				Name:        t.Name,
				Schema:      t.Schema,
				Type:        t.Type,
				Title:       t.Title,
				Description: t.Description,
			}); err != nil {
				break
			}
		}
		return m.finish(ctx, jw, err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "TABLE\tTYPE\tDESCRIPTION")
	for _, t := range tables {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, orDash(t.Type), oneLine(t.Description))
	}
	return nil
}

func runMetaColumns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	table, err := m.findTable(ctx, args[0])
	if err != nil {
		return err
	}
	if err := populate(ctx, m.loop, m.batch, []*tapmeta.TableMeta{table}, m.kit.OnColumns); err != nil {
		return exitError(foundry.ExitSignalInt, "Reading columns cancelled", err)
	}

	cols, _ := table.Columns()
	if jw := m.jsonl(cmd.OutOrStdout()); jw != nil {
		for _, c := range cols {
			if err = jw.WriteColumn(ctx, &output.ColumnRecord{
				Table:       table.Name,
				Name:        c.Name,
				DataType:    c.DataType,
				ArraySize:   c.ArraySize,
				XType:       c.XType,
				Unit:        c.Unit,
				UCD:         c.UCD,
				Description: c.Description,
				Indexed:     c.Indexed,
				Principal:   c.Principal,
				Std:         c.Std,
			}); err != nil {
				break
			}
		}
		return m.finish(ctx, jw, err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "COLUMN\tDATATYPE\tUNIT\tUCD\tDESCRIPTION")
	for _, c := range cols {
		dt := c.DataType
		if c.ArraySize != "" {
			dt += "[" + c.ArraySize + "]"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Name, orDash(dt), orDash(c.Unit), orDash(c.UCD), oneLine(c.Description))
	}
	return nil
}

func runMetaFKeys(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	table, err := m.findTable(ctx, args[0])
	if err != nil {
		return err
	}
	if err := populate(ctx, m.loop, m.batch, []*tapmeta.TableMeta{table}, m.kit.OnForeignKeys); err != nil {
		return exitError(foundry.ExitSignalInt, "Reading foreign keys cancelled", err)
	}

	fks, _ := table.ForeignKeys()
	if jw := m.jsonl(cmd.OutOrStdout()); jw != nil {
		for _, fk := range fks {
			rec := &output.ForeignKeyRecord{
				Table:       table.Name,
				TargetTable: fk.TargetTable,
				Description: fk.Description,
				Links:       make([]output.ForeignKeyLink, 0, len(fk.Links)),
			}
			for _, l := range fk.Links {
				rec.Links = append(rec.Links, output.ForeignKeyLink{From: l.From, Target: l.Target})
			}
			if err = jw.WriteForeignKey(ctx, rec); err != nil {
				break
			}
		}
		return m.finish(ctx, jw, err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "TARGET\tCOLUMNS\tDESCRIPTION")
	for _, fk := range fks {
		links := make([]string, 0, len(fk.Links))
		for _, l := range fk.Links {
			links = append(links, l.From+"->"+l.Target)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", fk.TargetTable, strings.Join(links, ","), oneLine(fk.Description))
	}
	return nil
}

func runMetaCapabilities(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	capability, err := acquireSync(ctx, m.kit.AcquireCapability)
	if err != nil {
		return serviceError(ctx, "Failed to read capabilities", err)
	}
	return writeYAML(cmd.OutOrStdout(), map[string]any{
		"standard_ids":   capability.StandardIDs,
		"languages":      capability.Languages,
		"upload_methods": capability.UploadMethods,
		"output_formats": capability.OutputFormats,
	})
}

func runMetaResource(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	res, err := acquireSync(ctx, m.kit.AcquireResource)
	if err != nil {
		if errors.Is(err, tapkit.ErrNoResource) {
			return exitError(foundry.ExitInvalidArgument, "No registry record", fmt.Errorf("set service.resource_url or GOTAP_RESOURCE_URL"))
		}
		return serviceError(ctx, "Failed to read registry record", err)
	}
	return writeYAML(cmd.OutOrStdout(), map[string]string{
		"identifier":    res.Identifier,
		"short_name":    res.ShortName,
		"title":         res.Title,
		"publisher":     res.Publisher,
		"description":   res.Description,
		"reference_url": res.ReferenceURL,
	})
}

// oneLine collapses whitespace so descriptions fit a table row.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
