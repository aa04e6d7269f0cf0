package tapmeta

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gotap/pkg/uws/uwstest"
)

const sampleTableset = `<?xml version="1.0"?>
<vosi:tableset xmlns:vosi="http://www.ivoa.net/xml/VOSITables/v1.0"
               xmlns:vs="http://www.ivoa.net/xml/VODataService/v1.1"
               xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <schema>
    <name>ivoa</name>
    <description>IVOA standard tables</description>
    <table type="view">
      <name>ivoa.obscore</name>
      <description>ObsCore 1.1</description>
      <column std="true">
        <name>obs_id</name>
        <description>Observation id</description>
        <ucd>meta.id</ucd>
        <dataType xsi:type="vs:TAPType" arraysize="*">VARCHAR</dataType>
        <flag>indexed</flag>
        <flag>principal</flag>
      </column>
      <column>
        <name>s_ra</name>
        <unit>deg</unit>
        <dataType xsi:type="vs:TAPType">DOUBLE</dataType>
      </column>
      <foreignKey>
        <targetTable>ivoa.collections</targetTable>
        <fkColumn>
          <fromColumn>obs_collection</fromColumn>
          <targetColumn>name</targetColumn>
        </fkColumn>
      </foreignKey>
    </table>
    <table>
      <name>ivoa.collections</name>
    </table>
  </schema>
  <schema>
    <name>tap_schema</name>
  </schema>
</vosi:tableset>`

const sampleCapabilities = `<?xml version="1.0"?>
<vosi:capabilities xmlns:vosi="http://www.ivoa.net/xml/VOSICapabilities/v1.0"
                   xmlns:tr="http://www.ivoa.net/xml/TAPRegExt/v1.0">
  <capability standardID="ivo://ivoa.net/std/TAP">
    <language>
      <name>ADQL</name>
      <version ivo-id="ivo://ivoa.net/std/ADQL#v2.0">2.0</version>
      <version ivo-id="ivo://ivoa.net/std/ADQL#v2.1">2.1</version>
    </language>
    <outputFormat><mime>application/x-votable+xml</mime></outputFormat>
    <outputFormat><mime>text/csv</mime></outputFormat>
    <uploadMethod ivo-id="ivo://ivoa.net/std/TAPRegExt#upload-inline"/>
  </capability>
  <capability standardID="ivo://ivoa.net/std/VOSI#capabilities"/>
</vosi:capabilities>`

// countingDoer counts requests.
type countingDoer struct {
	n atomic.Int32
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	d.n.Add(1)
	return http.DefaultClient.Do(req)
}

func TestTablesetReader(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.SetTables(sampleTableset)
	doer := &countingDoer{}
	r := NewTablesetReader(doer, srv.URL+"/", nil)
	ctx := context.Background()

	assert.Equal(t, srv.URL+"/tables", r.Source())

	schemas, err := r.ReadSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, "ivoa", schemas[0].Name)
	assert.Equal(t, "IVOA standard tables", schemas[0].Description)
	_, loaded := schemas[0].Tables()
	assert.False(t, loaded, "reader must not pre-populate children")

	tables, err := r.ReadTables(ctx, schemas[0])
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "ivoa.obscore", tables[0].Name)
	assert.Equal(t, "ivoa", tables[0].Schema)
	assert.Equal(t, "view", tables[0].Type)

	cols, err := r.ReadColumns(ctx, tables[0])
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, ColumnMeta{
		Name:        "obs_id",
		Description: "Observation id",
		UCD:         "meta.id",
		DataType:    "VARCHAR",
		ArraySize:   "*",
		Indexed:     true,
		Principal:   true,
		Std:         true,
	}, *cols[0])
	assert.Equal(t, "deg", cols[1].Unit)

	fks, err := r.ReadForeignKeys(ctx, tables[0])
	require.NoError(t, err)
	require.Len(t, fks, 1)
	assert.Equal(t, "ivoa.collections", fks[0].TargetTable)
	assert.Equal(t, []ForeignLink{{From: "obs_collection", Target: "name"}}, fks[0].Links)

	empty, err := r.ReadTables(ctx, schemas[1])
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.Equal(t, int32(1), doer.n.Load(), "document fetched once")

	_, err = r.ReadColumns(ctx, &TableMeta{Name: "nope"})
	assert.Error(t, err)
}

func TestTablesetReader_RetriesAfterFailure(t *testing.T) {
	srv := uwstest.NewServer(t)
	r := NewTablesetReader(&countingDoer{}, srv.URL, nil)

	_, err := r.ReadSchemas(context.Background())
	require.Error(t, err)

	srv.SetTables(sampleTableset)
	schemas, err := r.ReadSchemas(context.Background())
	require.NoError(t, err)
	assert.Len(t, schemas, 2)
}

func TestReadCapability(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.SetCapabilities(sampleCapabilities)

	c, err := ReadCapability(context.Background(), http.DefaultClient, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"ivo://ivoa.net/std/TAP", "ivo://ivoa.net/std/VOSI#capabilities"}, c.StandardIDs)
	assert.Equal(t, []string{"ADQL-2.0", "ADQL-2.1"}, c.Languages)
	assert.Equal(t, []string{"application/x-votable+xml", "text/csv"}, c.OutputFormats)
	assert.Equal(t, []string{"ivo://ivoa.net/std/TAPRegExt#upload-inline"}, c.UploadMethods)
}

func TestReadResource(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.SetCapabilities(`<oai:OAI-PMH xmlns:oai="http://www.openarchives.org/OAI/2.0/"><oai:GetRecord><oai:record><oai:metadata>
<ri:Resource xmlns:ri="http://www.ivoa.net/xml/RegistryInterface/v1.0">
  <title>Example TAP</title>
  <shortName>ExTAP</shortName>
  <identifier>ivo://example.org/tap</identifier>
  <curation><publisher>Example Org</publisher></curation>
  <content>
    <description> A demo service. </description>
    <referenceURL>http://example.org/</referenceURL>
  </content>
</ri:Resource></oai:metadata></oai:record></oai:GetRecord></oai:OAI-PMH>`)

	res, err := ReadResource(context.Background(), http.DefaultClient, srv.URL+"/capabilities")
	require.NoError(t, err)
	assert.Equal(t, Resource{
		Identifier:   "ivo://example.org/tap",
		ShortName:    "ExTAP",
		Title:        "Example TAP",
		Publisher:    "Example Org",
		Description:  "A demo service.",
		ReferenceURL: "http://example.org/",
	}, *res)
}

func TestErrorReader(t *testing.T) {
	cause := errors.New("no service")
	r := ErrorReader{Err: cause}
	ctx := context.Background()

	_, err := r.ReadSchemas(ctx)
	assert.ErrorIs(t, err, cause)
	_, err = r.ReadTables(ctx, &SchemaMeta{})
	assert.ErrorIs(t, err, cause)
	_, err = r.ReadColumns(ctx, &TableMeta{})
	assert.ErrorIs(t, err, cause)
	_, err = r.ReadForeignKeys(ctx, &TableMeta{})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, r.Source(), "no service")
}

func TestNodeAccessors(t *testing.T) {
	s := &SchemaMeta{Name: "s"}
	_, ok := s.Tables()
	assert.False(t, ok)
	s.SetTables(nil)
	tables, ok := s.Tables()
	assert.True(t, ok)
	assert.NotNil(t, tables)
	assert.Empty(t, tables)

	tb := &TableMeta{Name: "t"}
	_, ok = tb.Columns()
	assert.False(t, ok)
	tb.SetColumns([]*ColumnMeta{{Name: "c"}})
	cols, ok := tb.Columns()
	assert.True(t, ok)
	assert.Len(t, cols, 1)

	_, ok = tb.ForeignKeys()
	assert.False(t, ok)
	tb.SetForeignKeys(nil)
	_, ok = tb.ForeignKeys()
	assert.True(t, ok)
}
