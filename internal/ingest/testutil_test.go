package ingest

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingTableClient is a fake TableClient shared by every test in this
// package that needs a run to actually observe upserted rows.
type recordingTableClient struct {
	schema *TableSchema

	mu     sync.Mutex
	rows   []Row
	paths  []string
	calls  int
	failOn func(callNum int, rows []Row) error
}

func (c *recordingTableClient) DescribeTable(ctx context.Context, path string) (*TableSchema, error) {
	if c.schema != nil {
		return c.schema, nil
	}
	return &TableSchema{Path: path}, nil
}

func (c *recordingTableClient) BulkUpsertRows(ctx context.Context, path string, rows []Row, opts UpsertOptions) error {
	c.mu.Lock()
	c.calls++
	callNum := c.calls
	c.mu.Unlock()

	if c.failOn != nil {
		if err := c.failOn(callNum, rows); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.rows = append(c.rows, rows...)
	c.paths = append(c.paths, path)
	c.mu.Unlock()
	return nil
}

func (c *recordingTableClient) BulkUpsertArrow(ctx context.Context, path string, payload ArrowPayload, opts UpsertOptions) error {
	return nil
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ingest-*.tmp")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}
