// Package ingest implements the concurrent bulk-upsert ingestion core:
// admission control, per-format batch decomposition, retrying upserts and
// progress reporting for streaming local files into a remote table.
package ingest

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Format identifies how a file's bytes should be decoded into rows.
type Format int

const (
	FormatDefault Format = iota
	FormatCSV
	FormatTSV
	FormatJSON
	FormatJSONUnicode
	FormatJSONBase64
	FormatParquet
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatTSV:
		return "tsv"
	case FormatJSON:
		return "json"
	case FormatJSONUnicode:
		return "json_unicode"
	case FormatJSONBase64:
		return "json_base64"
	case FormatParquet:
		return "parquet"
	default:
		return "default"
	}
}

// BinaryEncoding controls how JSON string fields destined for binary
// (string/bytes) columns are decoded.
type BinaryEncoding int

const (
	BinaryEncodingUnicode BinaryEncoding = iota
	BinaryEncodingBase64
)

// StoreType is the target table's physical layout.
type StoreType int

const (
	StoreTypeRow StoreType = iota
	StoreTypeColumn
)

// ColumnType is an opaque column type tag; the concrete type system lives
// outside the core (schema discovery and value encoding are external
// collaborators per spec §6).
type ColumnType struct {
	Name       string
	Type       string
	IsPostgres bool
}

// TableSchema is the immutable, once-per-run result of DescribeTable.
type TableSchema struct {
	Path      string
	StoreType StoreType
	Columns   []ColumnType
}

// ColumnNames returns column names in declaration order, used as a CSV
// header fallback per spec §4.4 step 1.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// ReorderedBy returns a copy of the schema with Columns reordered to match
// names, looked up by column name (spec §4.4 step 1: the CSV parser's
// column order comes from the resolved header — supplied, stream-read, or
// schema fallback — not necessarily the schema's own declaration order). A
// name absent from the original schema keeps only its name, so the row
// builder can still report a sensible error for an unrecognized column.
func (s *TableSchema) ReorderedBy(names []string) *TableSchema {
	if s == nil {
		return nil
	}
	byName := make(map[string]ColumnType, len(s.Columns))
	for _, c := range s.Columns {
		byName[c.Name] = c
	}
	cols := make([]ColumnType, len(names))
	for i, n := range names {
		if c, ok := byName[n]; ok {
			cols[i] = c
		} else {
			cols[i] = ColumnType{Name: n}
		}
	}
	return &TableSchema{Path: s.Path, StoreType: s.StoreType, Columns: cols}
}

// Validate enforces the column-table/Postgres-type restriction recovered
// from original_source/ydb's ValidateTValueUpsertTable: bulk upsert into a
// column-oriented table cannot carry Postgres-compatible column types.
func (s *TableSchema) Validate() error {
	if s.StoreType != StoreTypeColumn {
		return nil
	}
	for _, c := range s.Columns {
		if c.IsPostgres {
			return NewStatus(codes.InvalidArgument,
				"import into a column-oriented table with Postgres-compatible columns is not supported")
		}
	}
	return nil
}

// FileJob describes one input file (or stdin, when Path == "").
type FileJob struct {
	Path      string
	TablePath string // destination path passed to BulkUpsert; shared by every file in a run
	SizeHint  int64  // -1 when unknown
	Format    Format
	OrderNum  int
}

func (j FileJob) IsStdin() bool {
	return j.Path == ""
}

func (j FileJob) DisplayName() string {
	if j.IsStdin() {
		return "<stdin>"
	}
	return j.Path
}

// Batch is an ordered group of raw input records awaiting conversion to a
// Payload. StartRow is the 1-based logical row number of the first record,
// used only for error messages.
type Batch struct {
	Lines    []string
	StartRow int64
}

func (b Batch) Rows() int { return len(b.Lines) }

// ArrowPayload is a serialized Arrow IPC record-batch payload plus its
// schema blob, produced by the Parquet Processor.
type ArrowPayload struct {
	SchemaBlob []byte
	Data       []byte
	Rows       int64
}

// Status is the terminal result of a run, a file, a batch or an RPC.
type Status struct {
	Code    codes.Code
	Message string
}

func NewStatus(code codes.Code, msg string, args ...any) Status {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return Status{Code: code, Message: msg}
}

func StatusOK() Status { return Status{Code: codes.OK} }

func (s Status) Success() bool { return s.Code == codes.OK }

func (s Status) Error() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// StatusFromError adapts a generic error (e.g. from a builder or the RPC
// stub) into a Status. Errors that already carry a gRPC status code keep
// it; anything else becomes INTERNAL.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusOK()
	}
	if s, ok := status.FromError(err); ok {
		return Status{Code: s.Code(), Message: s.Message()}
	}
	return NewStatus(codes.Internal, "%s", err.Error())
}
