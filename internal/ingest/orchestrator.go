package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Orchestrator is the top-level driver (spec §4.7): resolves the target
// table, fans one driver goroutine out per file, and aggregates the run's
// first failure.
type Orchestrator struct {
	table       TableClient
	scheme      SchemeClient
	csvBuilder  RowBuilder
	jsonBuilder RowBuilder
	log         *logrus.Entry
	metrics     *Metrics
}

// NewOrchestrator wires the two text-format row builders separately: the
// CSV/TSV path and the JSON path have different builder contracts (spec §6)
// even though both satisfy the same RowBuilder interface.
func NewOrchestrator(table TableClient, scheme SchemeClient, csvBuilder, jsonBuilder RowBuilder, log *logrus.Entry, metrics *Metrics) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{table: table, scheme: scheme, csvBuilder: csvBuilder, jsonBuilder: jsonBuilder, log: log, metrics: metrics}
}

// Result is the summary returned after a run completes.
type Result struct {
	Status    Status
	BytesRead int64
	Elapsed   time.Duration
	RunID     string
}

// Run implements spec §4.7 steps 1-7 against tablePath and the given list of
// file paths (an empty path means standard input).
func (o *Orchestrator) Run(ctx context.Context, tablePath string, paths []string, settings Settings) Result {
	settings = settings.WithDefaults()
	runID := uuid.New().String()
	log := o.log.WithField("run_id", runID)
	start := time.Now()

	// Step 2: reject TSV with a non-tab delimiter.
	if settings.Format == FormatTSV && settings.Delimiter != '\t' {
		st := NewStatus(codes.InvalidArgument, "format=tsv requires delimiter='\\t'")
		return Result{Status: st, RunID: runID}
	}

	// Step 3: resolve the table schema, with up to 10 retries and a
	// SCHEME_ERROR existence probe fallback.
	schema, st := o.describeTableWithRetry(ctx, tablePath)
	if !st.Success() {
		return Result{Status: st, RunID: runID, Elapsed: time.Since(start)}
	}
	if err := schema.Validate(); err != nil {
		return Result{Status: StatusFromError(err), RunID: runID, Elapsed: time.Since(start)}
	}

	run := NewRunState()
	rpc := NewRPCAdmission(int64(settings.MaxInFlightRequests), settings.Verbose, settings.NewlineDelimited, log)
	gateway := NewGateway(o.table, rpc, run, settings, log, o.metrics)
	workers := NewWorkerPool(settings.Threads)
	defer workers.Close()

	bar := NewProgressBar(len(paths), isInteractiveStdout(), runID)
	defer bar.Finish()
	var globalProgress atomic.Int64

	fileCount := len(paths)
	if fileCount == 0 {
		fileCount = 1
		paths = []string{""}
	}

	// Step 4: one JobInflightManager per file, sized for the
	// non-newline-delimited CSV path.
	maxJobInflightTotal := int64(settings.Threads + settings.MaxInFlightRequests)
	jobMgrs := make([]*JobInflightManager, fileCount)
	for i := range jobMgrs {
		jobMgrs[i] = NewJobInflightManager(i, fileCount, maxJobInflightTotal)
	}

	sharedFileCount := &atomic.Int64{}
	sharedFileCount.Store(int64(fileCount))

	// Step 5: one driver goroutine per file.
	var wg sync.WaitGroup
	statuses := make([]Status, fileCount)
	for i, path := range paths {
		i, path := i, path
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					statuses[i] = NewStatus(codes.Internal, "panic in driver for %s: %v", path, r)
					run.RecordFailure(statuses[i])
				}
				NotifySiblingsFinished(jobMgrs, i)
			}()
			job := FileJob{Path: path, TablePath: tablePath, SizeHint: -1, Format: settings.Format, OrderNum: i}
			statuses[i] = o.runFileDriver(ctx, job, schema, settings, gateway, run, workers, jobMgrs[i], sharedFileCount, bar, &globalProgress, log)
		}()
	}
	wg.Wait()
	if o.metrics != nil {
		o.metrics.bytesRead.Add(float64(run.BytesRead()))
	}

	// Step 6: first non-success among all drivers.
	var final Status = StatusOK()
	for _, s := range statuses {
		if !s.Success() {
			final = s
			break
		}
	}
	if final.Success() && run.Failed() {
		final = run.FirstError()
	}

	elapsed := time.Since(start)
	if final.Success() {
		// Step 7: elapsed/throughput summary.
		rate := float64(run.BytesRead()) / elapsed.Seconds()
		log.WithFields(logrus.Fields{
			"elapsed_sec":  elapsed.Seconds(),
			"bytes_read":   run.BytesRead(),
			"avg_rate_bps": rate,
		}).Infof("Elapsed: %.3f sec. Total read size: %d bytes. Average processing speed: %.0f bytes/s.",
			elapsed.Seconds(), run.BytesRead(), rate)
	}

	return Result{Status: final, BytesRead: run.BytesRead(), Elapsed: elapsed, RunID: runID}
}

// runFileDriver opens one file, routes it to the right processor based on
// (format, newline_delimited, seekable), and returns its terminal status.
// schema was resolved once for the whole run by Run() (spec §3's "all row
// builders for a given target path use the same schema").
func (o *Orchestrator) runFileDriver(ctx context.Context, job FileJob, schema *TableSchema, settings Settings, gateway *Gateway, run *RunState, workers *WorkerPool, jobMgr *JobInflightManager, sharedFileCount *atomic.Int64, bar *ProgressBar, globalProgress *atomic.Int64, log *logrus.Entry) Status {
	r, size, seekable, closeFn, err := openInput(job.Path)
	if err != nil {
		return NewStatus(codes.InvalidArgument, "opening %s: %s", job.DisplayName(), err.Error())
	}
	defer closeFn()

	progress := NewFileProgressCallback(bar, globalProgress)

	if settings.Format == FormatParquet {
		if settings.Verbose {
			log.WithField("file", job.DisplayName()).Info("starting parquet import")
		}
		proc := NewParquetFileProcessor(gateway, run, settings, log, progress)
		return proc.ProcessFile(ctx, &job, job.Path, workers)
	}

	if settings.Format == FormatJSON || settings.Format == FormatJSONUnicode || settings.Format == FormatJSONBase64 {
		inflight := NewMaxInflightGetter(int64(settings.MaxInFlightRequests), sharedFileCount)
		proc := NewJSONFileProcessor(gateway, run, o.jsonBuilder, schema, settings, log, progress)
		return proc.ProcessFile(ctx, &job, r, size, inflight, workers)
	}

	proc := NewCSVFileProcessor(gateway, run, o.csvBuilder, schema, settings, log, progress)

	if !settings.NewlineDelimited {
		// Non-newline-delimited CSV/TSV (spec §4.4 / §5): one logical chunk
		// read sequentially, admitted through this file's shared,
		// cross-file-redistributing JobInflightManager, submitted blocking.
		reader, err := csvReaderFromStream(r, settings)
		if err != nil {
			return NewStatus(codes.Internal, "reading %s: %s", job.DisplayName(), err.Error())
		}
		return proc.ProcessFile(ctx, &job, reader, []JobAdmission{jobMgr}, true, workers)
	}

	// Newline-delimited CSV/TSV: the parallel byte-range chunker when the
	// input is a seekable regular file, degrading to one logical chunk
	// otherwise (an unseekable stream, or stdin). Either way, admission is
	// local to each chunk (spec §4.1's JobInflightManager is scoped to the
	// non-newline-delimited path only) and submission is non-blocking.
	var reader *CSVFileReader
	if seekable {
		reader, err = NewCSVFileReader(job.Path, settings, settings.Threads, nil)
		if err != nil {
			return NewStatus(codes.Internal, "opening csv chunker for %s: %s", job.DisplayName(), err.Error())
		}
	} else {
		reader, err = csvReaderFromStream(r, settings)
		if err != nil {
			return NewStatus(codes.Internal, "reading %s: %s", job.DisplayName(), err.Error())
		}
	}

	chunkCount := reader.SplitCount()
	maxJobInflightTotal := int64(chunkCount) + int64(settings.MaxInFlightRequests)
	admissions := make([]JobAdmission, chunkCount)
	for i := range admissions {
		admissions[i] = NewLocalJobPool(i, chunkCount, maxJobInflightTotal)
	}
	return proc.ProcessFile(ctx, &job, reader, admissions, false, workers)
}

// describeTableWithRetry implements step 3: DescribeTable with up to 10
// retries; on SCHEME_ERROR, probe the path's existence and, if absent,
// surface a SCHEME_ERROR naming the path.
func (o *Orchestrator) describeTableWithRetry(ctx context.Context, hintPath string) (*TableSchema, Status) {
	const maxDescribeRetries = 10
	var schema *TableSchema
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		s, err := o.table.DescribeTable(ctx, hintPath)
		if err != nil {
			return struct{}{}, err
		}
		schema = s
		return struct{}{}, nil
	}, backoff.WithMaxTries(uint(maxDescribeRetries+1)))

	if err == nil {
		return schema, StatusOK()
	}

	st := StatusFromError(err)
	if st.Code == codes.Unknown || grpcStatusCode(err) == schemeErrorCode {
		if o.scheme != nil {
			exists, probeErr := o.scheme.DescribePath(ctx, hintPath)
			if probeErr == nil && !exists {
				return nil, NewStatus(schemeErrorCode, "path does not exist: %s", hintPath)
			}
		}
	}
	return nil, st
}

// schemeErrorCode models SCHEME_ERROR (spec §6); the original RPC surface
// doesn't map cleanly onto a standard gRPC code, so it is represented as
// NotFound, the closest standard status for "the described path does not
// resolve to a valid scheme object".
const schemeErrorCode = codes.NotFound

func grpcStatusCode(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

func isInteractiveStdout() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// openInput opens path (or standard input when path == "") and reports
// whether the result is seekable (a prerequisite for the CSV chunker path),
// transparently decompressing a .gz suffix via pgzip.
func openInput(path string) (r io.Reader, size int64, seekable bool, closeFn func() error, err error) {
	if path == "" {
		return os.Stdin, -1, false, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, nil, err
	}
	info, statErr := f.Stat()
	sz := int64(-1)
	if statErr == nil {
		sz = info.Size()
	}
	if isGzip(path) {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, 0, false, nil, err
		}
		return gz, sz, false, func() error { _ = gz.Close(); return f.Close() }, nil
	}
	return f, sz, true, f.Close, nil
}

func isGzip(path string) bool {
	return len(path) > 3 && path[len(path)-3:] == ".gz"
}

// csvReaderFromStream wraps a plain io.Reader as a single fileChunk with an
// unbounded budget, used on the non-newline-delimited path and on the
// newline-delimited path when the input is unseekable, where §4.3's chunker
// does not apply.
func csvReaderFromStream(r io.Reader, settings Settings) (*CSVFileReader, error) {
	br := bufio.NewReaderSize(r, settings.FileBufferSize)
	splitter := NewDefaultLineSplitter()

	var headerRow string
	if settings.Header {
		line, _, err := splitter.ConsumeLine(br)
		if err != nil && err != io.EOF {
			return nil, err
		}
		headerRow = line
	}
	for i := 0; i < settings.SkipRows; i++ {
		_, _, err := splitter.ConsumeLine(br)
		if err != nil && err != io.EOF {
			return nil, err
		}
	}

	chunk := &fileChunk{r: br, splitter: splitter, size: unboundedChunk}
	return &CSVFileReader{chunks: []*fileChunk{chunk}, splitCount: 1, headerRow: headerRow}, nil
}
