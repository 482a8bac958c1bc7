// Package app wires CLI flags, an optional YAML settings overlay, and
// logging setup around the ingest core.
package app

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tableflow/bulkload/internal/ingest"
)

// FileConfig is the optional YAML settings overlay (spec SPEC_FULL §2): CLI
// flags always win over values read from this file, matching the teacher's
// convention that flags are the source of truth and a file only fills gaps.
type FileConfig struct {
	Format                 string `yaml:"format"`
	Delimiter              string `yaml:"delimiter"`
	NullValue              string `yaml:"null_value"`
	Header                 *bool  `yaml:"header"`
	HeaderRow              string `yaml:"header_row"`
	SkipRows               *int   `yaml:"skip_rows"`
	NewlineDelimited       *bool  `yaml:"newline_delimited"`
	Threads                *int   `yaml:"threads"`
	MaxInFlightRequests    *int   `yaml:"max_in_flight_requests"`
	BytesPerRequest        *int64 `yaml:"bytes_per_request"`
	FileBufferSize         *int   `yaml:"file_buffer_size"`
	OperationTimeoutMillis *int   `yaml:"operation_timeout_ms"`
	ClientTimeoutMillis    *int   `yaml:"client_timeout_ms"`
	MaxRetries             *int   `yaml:"max_retries"`
	BinaryStringsEncoding  string `yaml:"binary_strings_encoding"`
	Verbose                *bool  `yaml:"verbose"`
}

func loadFileConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Config is the fully resolved set of CLI inputs for one run.
type Config struct {
	TablePath  string
	FilePaths  []string
	ConfigFile string
	Settings   ingest.Settings
	LogLevel   logrus.Level
}

// ParseArgs builds a Config from args, applying the YAML overlay (if
// -config is given) underneath whatever flags were explicitly set.
func ParseArgs(args []string) (Config, error) {
	fs := flag.NewFlagSet("bulkload", flag.ContinueOnError)

	tablePath := fs.String("table", "", "target table path (required)")
	configFile := fs.String("config", "", "optional YAML settings file (flags override it)")
	format := fs.String("format", "default", "input format: default|csv|tsv|json|json_unicode|json_base64|parquet")
	delimiter := fs.String("delimiter", ",", "field delimiter (single character; must be '\\t' for format=tsv)")
	nullValue := fs.String("null-value", "", "string treated as SQL NULL")
	header := fs.Bool("header", false, "treat the first line as column names")
	headerRow := fs.String("header-row", "", "explicit header row, takes precedence over -header")
	skipRows := fs.Int("skip-rows", 0, "rows to skip after the header")
	newlineDelimited := fs.Bool("newline-delimited", false, "enable the parallel CSV chunker path")
	threads := fs.Int("threads", 4, "worker pool size")
	maxInFlight := fs.Int("max-in-flight-requests", 100, "process-wide RPC permit pool capacity")
	bytesPerRequest := fs.Int64("bytes-per-request", 8<<20, "target serialized size for one RPC payload")
	fileBufferSize := fs.Int("file-buffer-size", 1<<20, "input read buffer size")
	operationTimeout := fs.Duration("operation-timeout", 0, "per-RPC operation timeout (0 = none)")
	clientTimeout := fs.Duration("client-timeout", 0, "per-RPC client timeout (0 = none)")
	maxRetries := fs.Int("max-retries", ingest.DefaultMaxRetries, "idempotent retry attempts per RPC")
	binaryEncoding := fs.String("binary-strings-encoding", "unicode", "unicode|base64")
	verbose := fs.Bool("verbose", false, "print per-file progress and throughput lines")
	logLevel := fs.String("log-level", "info", "panic|fatal|error|warn|info|debug|trace")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	fileCfg, err := loadFileConfig(*configFile)
	if err != nil {
		return Config{}, err
	}
	applyFileOverlay(fs, fileCfg, format, delimiter, nullValue, header, headerRow, skipRows,
		newlineDelimited, threads, maxInFlight, bytesPerRequest, fileBufferSize,
		operationTimeout, clientTimeout, maxRetries, binaryEncoding, verbose)

	if *tablePath == "" {
		return Config{}, fmt.Errorf("-table is required")
	}

	fmt_, err := parseFormat(*format)
	if err != nil {
		return Config{}, err
	}
	enc, err := parseBinaryEncoding(*binaryEncoding)
	if err != nil {
		return Config{}, err
	}
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return Config{}, fmt.Errorf("invalid -log-level %q: %w", *logLevel, err)
	}

	delimRune := ','
	if *delimiter != "" {
		delimRune = []rune(*delimiter)[0]
	}

	settings := ingest.Settings{
		Format:                fmt_,
		Delimiter:             delimRune,
		NullValue:             *nullValue,
		Header:                *header,
		HeaderRow:             *headerRow,
		SkipRows:              *skipRows,
		NewlineDelimited:      *newlineDelimited,
		Threads:               *threads,
		MaxInFlightRequests:   *maxInFlight,
		BytesPerRequest:       *bytesPerRequest,
		FileBufferSize:        *fileBufferSize,
		OperationTimeout:      *operationTimeout,
		ClientTimeout:         *clientTimeout,
		MaxRetries:            *maxRetries,
		BinaryStringsEncoding: enc,
		Verbose:               *verbose,
	}.WithDefaults()

	return Config{
		TablePath:  *tablePath,
		FilePaths:  fs.Args(),
		ConfigFile: *configFile,
		Settings:   settings,
		LogLevel:   lvl,
	}, nil
}

// applyFileOverlay fills in any flag that was left at its zero/default value
// from fileCfg, without ever overriding a flag the user explicitly set.
func applyFileOverlay(fs *flag.FlagSet, c FileConfig, format, delimiter, nullValue *string, header *bool, headerRow *string, skipRows *int, newlineDelimited *bool, threads, maxInFlight *int, bytesPerRequest *int64, fileBufferSize *int, operationTimeout, clientTimeout *time.Duration, maxRetries *int, binaryEncoding *string, verbose *bool) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["format"] && c.Format != "" {
		*format = c.Format
	}
	if !set["delimiter"] && c.Delimiter != "" {
		*delimiter = c.Delimiter
	}
	if !set["null-value"] && c.NullValue != "" {
		*nullValue = c.NullValue
	}
	if !set["header"] && c.Header != nil {
		*header = *c.Header
	}
	if !set["header-row"] && c.HeaderRow != "" {
		*headerRow = c.HeaderRow
	}
	if !set["skip-rows"] && c.SkipRows != nil {
		*skipRows = *c.SkipRows
	}
	if !set["newline-delimited"] && c.NewlineDelimited != nil {
		*newlineDelimited = *c.NewlineDelimited
	}
	if !set["threads"] && c.Threads != nil {
		*threads = *c.Threads
	}
	if !set["max-in-flight-requests"] && c.MaxInFlightRequests != nil {
		*maxInFlight = *c.MaxInFlightRequests
	}
	if !set["bytes-per-request"] && c.BytesPerRequest != nil {
		*bytesPerRequest = *c.BytesPerRequest
	}
	if !set["file-buffer-size"] && c.FileBufferSize != nil {
		*fileBufferSize = *c.FileBufferSize
	}
	if !set["operation-timeout"] && c.OperationTimeoutMillis != nil {
		*operationTimeout = time.Duration(*c.OperationTimeoutMillis) * time.Millisecond
	}
	if !set["client-timeout"] && c.ClientTimeoutMillis != nil {
		*clientTimeout = time.Duration(*c.ClientTimeoutMillis) * time.Millisecond
	}
	if !set["max-retries"] && c.MaxRetries != nil {
		*maxRetries = *c.MaxRetries
	}
	if !set["binary-strings-encoding"] && c.BinaryStringsEncoding != "" {
		*binaryEncoding = c.BinaryStringsEncoding
	}
	if !set["verbose"] && c.Verbose != nil {
		*verbose = *c.Verbose
	}
}

func parseFormat(s string) (ingest.Format, error) {
	switch strings.ToLower(s) {
	case "default", "":
		return ingest.FormatDefault, nil
	case "csv":
		return ingest.FormatCSV, nil
	case "tsv":
		return ingest.FormatTSV, nil
	case "json":
		return ingest.FormatJSON, nil
	case "json_unicode":
		return ingest.FormatJSONUnicode, nil
	case "json_base64":
		return ingest.FormatJSONBase64, nil
	case "parquet":
		return ingest.FormatParquet, nil
	default:
		return 0, fmt.Errorf("unsupported -format %q", s)
	}
}

func parseBinaryEncoding(s string) (ingest.BinaryEncoding, error) {
	switch strings.ToLower(s) {
	case "unicode", "":
		return ingest.BinaryEncodingUnicode, nil
	case "base64":
		return ingest.BinaryEncodingBase64, nil
	default:
		return 0, fmt.Errorf("unsupported -binary-strings-encoding %q", s)
	}
}
