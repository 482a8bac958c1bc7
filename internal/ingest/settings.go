package ingest

import "time"

// DefaultMaxRetries mirrors TImportFileSettings::MaxRetries in the original
// client: a bounded number of idempotent retry attempts per RPC.
const DefaultMaxRetries = 10

// VerboseStepSize is the read-byte interval between per-file progress log
// lines on the CSV paths (spec §4.4, 128 MiB).
const VerboseStepSize = 1 << 27

// Settings is the Go analogue of TImportFileSettings (spec §6). All fields
// are consumed directly by the core; CLI parsing and defaulting live in
// internal/app.
type Settings struct {
	Format                Format
	Delimiter             rune
	NullValue             string
	Header                bool
	HeaderRow             string
	SkipRows              int
	NewlineDelimited      bool
	Threads               int
	MaxInFlightRequests   int
	BytesPerRequest       int64
	FileBufferSize        int
	OperationTimeout      time.Duration
	ClientTimeout         time.Duration
	MaxRetries            int
	BinaryStringsEncoding BinaryEncoding
	Verbose               bool
}

// WithDefaults fills in zero-valued fields the way DefaultOptions does in
// the teacher's tsv_parser.go.
func (s Settings) WithDefaults() Settings {
	if s.Delimiter == 0 {
		s.Delimiter = ','
	}
	if s.Threads <= 0 {
		s.Threads = 4
	}
	if s.MaxInFlightRequests <= 0 {
		s.MaxInFlightRequests = 100
	}
	if s.BytesPerRequest <= 0 {
		s.BytesPerRequest = 8 << 20
	}
	if s.FileBufferSize <= 0 {
		s.FileBufferSize = 1 << 20
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	return s
}
