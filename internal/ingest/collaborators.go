package ingest

import (
	"context"
	"time"
)

// The types in this file are the "OUT OF SCOPE (external collaborators,
// interfaces only)" contracts from spec §1/§6: schema discovery, the
// BulkUpsert RPC itself, a path-existence probe, and the value encoders.
// The core only ever talks to these interfaces; production wiring (a real
// database driver) lives outside this module.

// TableClient resolves schema and performs bulk upserts.
type TableClient interface {
	// DescribeTable returns the immutable schema for path.
	DescribeTable(ctx context.Context, path string) (*TableSchema, error)
	// BulkUpsertRows sends a typed row list built from a Batch.
	BulkUpsertRows(ctx context.Context, path string, rows []Row, opts UpsertOptions) error
	// BulkUpsertArrow sends a serialized Arrow IPC payload (Parquet path).
	BulkUpsertArrow(ctx context.Context, path string, payload ArrowPayload, opts UpsertOptions) error
}

// SchemeClient probes path existence, used only on the SCHEME_ERROR
// fallback path in the Orchestrator (spec §4.7 step 3).
type SchemeClient interface {
	DescribePath(ctx context.Context, path string) (exists bool, err error)
}

// UpsertOptions carries the per-RPC knobs the gateway applies.
type UpsertOptions struct {
	OperationTimeout time.Duration
	ClientTimeout    time.Duration
	Idempotent       bool
}

// Row is one typed row ready for BulkUpsertRows, produced by a RowBuilder.
type Row map[string]any

// RowBuilder converts raw text records into typed Rows against a
// TableSchema; CSV-to-row and JSON-to-row builders are opaque external
// capabilities per spec §6.
type RowBuilder interface {
	// BuildRows converts a batch of raw lines into typed rows. startRow is
	// used to annotate error messages with a logical row number.
	BuildRows(schema *TableSchema, lines []string, startRow int64) ([]Row, error)
}
