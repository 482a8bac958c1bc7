package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func newCSVHarness(t *testing.T, schema *TableSchema, settings Settings) (*recordingTableClient, *CSVFileProcessor, *JobInflightManager, *WorkerPool) {
	t.Helper()
	settings = settings.WithDefaults()
	client := &recordingTableClient{schema: schema}
	run := NewRunState()
	rpc := NewRPCAdmission(int64(settings.MaxInFlightRequests), false, false, newTestLogger())
	gateway := NewGateway(client, rpc, run, settings, newTestLogger(), nil)
	jobMgr := NewJobInflightManager(0, 1, int64(settings.Threads+settings.MaxInFlightRequests))
	workers := NewWorkerPool(settings.Threads)
	t.Cleanup(workers.Close)
	proc := NewCSVFileProcessor(gateway, run, NewCSVRowBuilder(settings), schema, settings, newTestLogger(), nil)
	return client, proc, jobMgr, workers
}

// Spec §8 scenario 1: a simple header CSV with a large byte budget produces
// one upsert covering both rows.
func TestCSVFileProcessorSimpleHeader(t *testing.T) {
	path := writeTempFile(t, "a,b\n1,2\n3,4\n")
	schema := &TableSchema{Columns: []ColumnType{{Name: "a"}, {Name: "b"}}}
	settings := Settings{Format: FormatCSV, Header: true, Delimiter: ',', BytesPerRequest: 1 << 20, Threads: 1, MaxInFlightRequests: 2}

	client, proc, jobMgr, workers := newCSVHarness(t, schema, settings)
	reader, err := NewCSVFileReader(path, settings.WithDefaults(), 1, nil)
	require.NoError(t, err)

	st := proc.ProcessFile(context.Background(), &FileJob{Path: path}, reader, []JobAdmission{jobMgr}, true, workers)
	require.True(t, st.Success(), st.Error())
	require.Len(t, client.rows, 2)
	assert.Equal(t, "1", client.rows[0]["a"])
	assert.Equal(t, "2", client.rows[0]["b"])
	assert.Equal(t, "3", client.rows[1]["a"])
	assert.Equal(t, "4", client.rows[1]["b"])
}

// Spec §8 scenario 2: a header with a trailing delimiter requires every data
// line to carry one too; the second data line here doesn't, so the run must
// fail with BAD_REQUEST (codes.InvalidArgument).
func TestCSVFileProcessorRejectsMissingTrailingDelimiter(t *testing.T) {
	path := writeTempFile(t, "a,b,\n1,2,\n3,2\n")
	schema := &TableSchema{Columns: []ColumnType{{Name: "a"}, {Name: "b"}}}
	settings := Settings{Format: FormatCSV, Header: true, Delimiter: ',', BytesPerRequest: 1 << 20, Threads: 1, MaxInFlightRequests: 2}

	_, proc, jobMgr, workers := newCSVHarness(t, schema, settings)
	reader, err := NewCSVFileReader(path, settings.WithDefaults(), 1, nil)
	require.NoError(t, err)

	st := proc.ProcessFile(context.Background(), &FileJob{Path: path}, reader, []JobAdmission{jobMgr}, true, workers)
	require.False(t, st.Success())
	assert.Equal(t, codes.InvalidArgument, st.Code)
}

// The CSV parser's column order must come from the resolved header (here,
// read straight off the stream), not the schema's own declaration order.
func TestCSVFileProcessorHeaderOrderOverridesSchemaDeclarationOrder(t *testing.T) {
	path := writeTempFile(t, "b,a\n20,10\n")
	schema := &TableSchema{Columns: []ColumnType{{Name: "a"}, {Name: "b"}}}
	settings := Settings{Format: FormatCSV, Header: true, Delimiter: ',', BytesPerRequest: 1 << 20, Threads: 1, MaxInFlightRequests: 2}

	client, proc, jobMgr, workers := newCSVHarness(t, schema, settings)
	reader, err := NewCSVFileReader(path, settings.WithDefaults(), 1, nil)
	require.NoError(t, err)

	st := proc.ProcessFile(context.Background(), &FileJob{Path: path}, reader, []JobAdmission{jobMgr}, true, workers)
	require.True(t, st.Success(), st.Error())
	require.Len(t, client.rows, 1)
	assert.Equal(t, "10", client.rows[0]["a"], "column a must take the value under the 'a' header, not positional column 0")
	assert.Equal(t, "20", client.rows[0]["b"])
}

// When neither header_row nor a stream header is available, the schema's
// own column declaration order is the fallback (spec §4.4 step 1).
func TestCSVFileProcessorFallsBackToSchemaColumnOrder(t *testing.T) {
	path := writeTempFile(t, "10,20\n")
	schema := &TableSchema{Columns: []ColumnType{{Name: "a"}, {Name: "b"}}}
	settings := Settings{Format: FormatCSV, Header: false, Delimiter: ',', BytesPerRequest: 1 << 20, Threads: 1, MaxInFlightRequests: 2}

	client, proc, jobMgr, workers := newCSVHarness(t, schema, settings)
	reader, err := NewCSVFileReader(path, settings.WithDefaults(), 1, nil)
	require.NoError(t, err)

	st := proc.ProcessFile(context.Background(), &FileJob{Path: path}, reader, []JobAdmission{jobMgr}, true, workers)
	require.True(t, st.Success(), st.Error())
	require.Len(t, client.rows, 1)
	assert.Equal(t, "10", client.rows[0]["a"])
	assert.Equal(t, "20", client.rows[0]["b"])
}
