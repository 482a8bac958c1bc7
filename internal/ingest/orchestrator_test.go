package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Spec §8 scenario 1, driven through the full Orchestrator: every row lands
// at the resolved table path, not at the input file's own path.
func TestOrchestratorRunUpsertsToTablePathNotFilePath(t *testing.T) {
	path := writeTempFile(t, "a,b\n1,2\n3,4\n")
	client := &recordingTableClient{schema: &TableSchema{Columns: []ColumnType{{Name: "a"}, {Name: "b"}}}}

	orch := NewOrchestrator(client, nil, NewCSVRowBuilder(Settings{Delimiter: ','}), NewJSONRowBuilder(Settings{}), newTestLogger(), nil)
	settings := Settings{Format: FormatCSV, Header: true, Delimiter: ',', BytesPerRequest: 1 << 20, Threads: 2, MaxInFlightRequests: 2}

	result := orch.Run(context.Background(), "/tables/target", []string{path}, settings)

	require.True(t, result.Status.Success(), result.Status.Error())
	require.Len(t, client.rows, 2)
	for _, p := range client.paths {
		assert.Equal(t, "/tables/target", p, "rows must be upserted to the resolved table path, not the input file path")
		assert.NotEqual(t, path, p)
	}
}

// The newline_delimited flag must actually route to the parallel byte-range
// chunker, matching its own -newline-delimited flag description ("enable the
// parallel CSV chunker path"): a small bytes_per_request forces more than
// one chunk across a multi-line file, and every row must still arrive.
func TestOrchestratorNewlineDelimitedRoutesThroughChunkerAndStillDeliversAllRows(t *testing.T) {
	var lines string
	for i := 0; i < 200; i++ {
		lines += "1,2\n"
	}
	path := writeTempFile(t, "a,b\n"+lines)
	client := &recordingTableClient{schema: &TableSchema{Columns: []ColumnType{{Name: "a"}, {Name: "b"}}}}

	orch := NewOrchestrator(client, nil, NewCSVRowBuilder(Settings{Delimiter: ','}), NewJSONRowBuilder(Settings{}), newTestLogger(), nil)
	settings := Settings{
		Format: FormatCSV, Header: true, Delimiter: ',',
		BytesPerRequest: 8, Threads: 4, MaxInFlightRequests: 4,
		NewlineDelimited: true,
	}

	result := orch.Run(context.Background(), "/t", []string{path}, settings)

	require.True(t, result.Status.Success(), result.Status.Error())
	assert.Len(t, client.rows, 200)
}

// Spec §8 scenario 3: TSV with a non-tab delimiter must fail immediately,
// before any DescribeTable/BulkUpsert call.
func TestOrchestratorRejectsTSVWithWrongDelimiter(t *testing.T) {
	client := &recordingTableClient{}
	orch := NewOrchestrator(client, nil, NewCSVRowBuilder(Settings{}), NewJSONRowBuilder(Settings{}), newTestLogger(), nil)

	result := orch.Run(context.Background(), "/t", []string{"whatever.tsv"}, Settings{Format: FormatTSV, Delimiter: ','})

	require.False(t, result.Status.Success())
	assert.Equal(t, codes.InvalidArgument, result.Status.Code)
	assert.Equal(t, 0, client.calls, "a precondition failure must short-circuit before any RPC")
}

// Spec §8 scenario 5: two files, one fails mid-stream; the run's final
// status is that file's error, and the other file's valid batches still
// complete without deadlock.
func TestOrchestratorReturnsFirstFailureAcrossFiles(t *testing.T) {
	goodPath := writeTempFile(t, "a,b\n1,2\n3,4\n5,6\n")
	badPath := writeTempFile(t, "a,b\n9,9\n")

	client := &recordingTableClient{
		schema: &TableSchema{Columns: []ColumnType{{Name: "a"}, {Name: "b"}}},
		failOn: func(callNum int, rows []Row) error {
			for _, r := range rows {
				if r["a"] == "9" {
					return status.Error(codes.Internal, "synthetic failure on the bad file")
				}
			}
			return nil
		},
	}

	orch := NewOrchestrator(client, nil, NewCSVRowBuilder(Settings{Delimiter: ','}), NewJSONRowBuilder(Settings{}), newTestLogger(), nil)
	settings := Settings{Format: FormatCSV, Header: true, Delimiter: ',', BytesPerRequest: 1, Threads: 2, MaxInFlightRequests: 2, MaxRetries: 1}

	result := orch.Run(context.Background(), "/t", []string{goodPath, badPath}, settings)

	require.False(t, result.Status.Success())
	assert.Equal(t, codes.Internal, result.Status.Code)

	// The good file's rows must still have been recorded (no deadlock, no
	// silent drop), even though the run as a whole failed.
	found := false
	for _, r := range client.rows {
		if r["a"] == "1" {
			found = true
		}
	}
	assert.True(t, found, "the healthy file's batches must still complete")
}

// SCHEME_ERROR existence-probe fallback: DescribeTable fails with the
// SCHEME_ERROR code (schemeErrorCode), and the scheme probe confirms absence.
func TestOrchestratorSchemeErrorFallback(t *testing.T) {
	client := &describeFailingClient{err: status.Error(schemeErrorCode, "scheme error on describe")}
	scheme := &fakeSchemeClient{exists: false}

	orch := NewOrchestrator(client, scheme, NewCSVRowBuilder(Settings{}), NewJSONRowBuilder(Settings{}), newTestLogger(), nil)
	result := orch.Run(context.Background(), "/missing/table", []string{writeTempFile(t, "a\n1\n")}, Settings{Format: FormatCSV})

	require.False(t, result.Status.Success())
	assert.Contains(t, result.Status.Message, "/missing/table")
}

type describeFailingClient struct{ err error }

func (c *describeFailingClient) DescribeTable(ctx context.Context, path string) (*TableSchema, error) {
	return nil, c.err
}
func (c *describeFailingClient) BulkUpsertRows(ctx context.Context, path string, rows []Row, opts UpsertOptions) error {
	return nil
}
func (c *describeFailingClient) BulkUpsertArrow(ctx context.Context, path string, payload ArrowPayload, opts UpsertOptions) error {
	return nil
}

type fakeSchemeClient struct{ exists bool }

func (s *fakeSchemeClient) DescribePath(ctx context.Context, path string) (bool, error) {
	return s.exists, nil
}
