package ingest

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// CSVFileProcessor runs the CSV/TSV text path (spec §4.4): one goroutine per
// chunk, a shared worker pool for build+upsert jobs bounded by a
// per-chunk JobAdmission, and a final drain before reporting the file's
// status. The admission scheme and worker-pool submission mode both vary
// with newline_delimited (spec §5): the non-newline-delimited path admits
// through a single cross-file JobInflightManager and submits blocking; the
// newline-delimited path admits through one LocalJobPool per chunk and
// submits non-blocking.
type CSVFileProcessor struct {
	gateway  *Gateway
	run      *RunState
	builder  RowBuilder
	schema   *TableSchema
	settings Settings
	log      *logrus.Entry
	progress *FileProgressCallback
}

func NewCSVFileProcessor(gateway *Gateway, run *RunState, builder RowBuilder, schema *TableSchema, settings Settings, log *logrus.Entry, progress *FileProgressCallback) *CSVFileProcessor {
	return &CSVFileProcessor{gateway: gateway, run: run, builder: builder, schema: schema, settings: settings, log: log, progress: progress}
}

// ProcessFile implements spec §4.4 steps 1-7 against a CSVFileReader whose
// chunks have already been opened by the caller. admissions must have one
// entry per reader chunk (len(admissions) == reader.SplitCount()); the
// caller chooses the scheme (a single repeated JobInflightManager for the
// non-newline-delimited path, or one LocalJobPool per chunk for the
// newline-delimited path) and the matching blocking mode for worker
// submission.
func (p *CSVFileProcessor) ProcessFile(ctx context.Context, job *FileJob, reader *CSVFileReader, admissions []JobAdmission, blocking bool, workers *WorkerPool) Status {
	effectiveSchema, removeLastDelim, err := p.resolveHeader(reader.HeaderRow())
	if err != nil {
		return StatusFromError(err)
	}

	var wg sync.WaitGroup
	statuses := make([]Status, reader.SplitCount())

	for i := 0; i < reader.SplitCount(); i++ {
		i := i
		chunk := reader.Chunk(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer chunk.Close()
			statuses[i] = p.processChunk(ctx, job, chunk, i, effectiveSchema, removeLastDelim, admissions[i], blocking, workers)
		}()
	}
	wg.Wait()

	seen := make(map[JobAdmission]bool, len(admissions))
	for _, a := range admissions {
		if seen[a] {
			continue
		}
		seen[a] = true
		if err := a.WaitForAllJobs(ctx); err != nil {
			return NewStatus(codes.Internal, "waiting for in-flight jobs: %s", err.Error())
		}
	}

	for _, st := range statuses {
		if !st.Success() {
			return st
		}
	}
	if p.run.Failed() {
		return p.run.FirstError()
	}
	return StatusOK()
}

// resolveHeader implements step 1: an explicit header_row setting wins, then
// a header consumed from the stream, then the schema's own column names.
// Whichever source wins determines the CSV parser's column order, so the
// returned schema is the real schema reordered (and, for unrecognized
// names, renamed) to match that header — not necessarily the schema's own
// declaration order. The return also detects a trailing delimiter on the
// header per spec §4.4 step 1 / P9.
func (p *CSVFileProcessor) resolveHeader(streamHeader string) (*TableSchema, bool, error) {
	header := p.settings.HeaderRow
	if header == "" {
		header = streamHeader
	}
	if header == "" {
		return p.schema, false, nil
	}

	removeLastDelim := strings.HasSuffix(header, string(p.settings.Delimiter))
	trimmed := header
	if removeLastDelim {
		trimmed = strings.TrimSuffix(trimmed, string(p.settings.Delimiter))
	}
	names := strings.Split(trimmed, string(p.settings.Delimiter))
	return p.schema.ReorderedBy(names), removeLastDelim, nil
}

// processChunk implements steps 2-5 for one chunk of the file: stream lines,
// accumulate into byte-bounded batches, and dispatch build+upsert jobs.
func (p *CSVFileProcessor) processChunk(ctx context.Context, job *FileJob, chunk *fileChunk, chunkID int, schema *TableSchema, removeLastDelim bool, admission JobAdmission, blocking bool, workers *WorkerPool) Status {
	var buffer []string
	var batchBytes int64
	var startRow int64 = 1
	var verboseThreshold int64 = VerboseStepSize

	flush := func(lines []string, rowOffset int64) Status {
		if len(lines) == 0 {
			return StatusOK()
		}
		if err := admission.AcquireJob(ctx); err != nil {
			return NewStatus(codes.Internal, "acquiring job permit: %s", err.Error())
		}
		batch := Batch{Lines: lines, StartRow: rowOffset}
		workers.Submit(blocking, func() {
			defer admission.ReleaseJob()
			p.buildAndUpsert(ctx, job, schema, batch)
		})
		return StatusOK()
	}

	for {
		if p.run.Failed() {
			break
		}
		var line string
		if !chunk.ConsumeLine(&line) {
			break
		}
		if line == "" {
			continue
		}
		if removeLastDelim {
			d := string(p.settings.Delimiter)
			if !strings.HasSuffix(line, d) {
				return NewStatus(codes.InvalidArgument, "line %d: lines should end with a delimiter", startRow)
			}
			line = strings.TrimSuffix(line, d)
		}

		buffer = append(buffer, line)
		batchBytes += int64(len(line))
		startRow++

		p.run.AddBytesRead(int64(len(line)) + 1)
		if p.progress != nil {
			p.progress.Report(chunk.ReadCount(), chunk.size)
		}
		if p.settings.Verbose && chunk.ReadCount() >= verboseThreshold {
			p.log.WithFields(logrus.Fields{"chunk_id": chunkID, "read_bytes": chunk.ReadCount()}).
				Info("processed chunk progress")
			verboseThreshold += VerboseStepSize
		}

		if batchBytes >= p.settings.BytesPerRequest {
			rowOffset := startRow - int64(len(buffer))
			if st := flush(buffer, rowOffset); !st.Success() {
				return st
			}
			buffer = nil
			batchBytes = 0
		}
	}

	if len(buffer) > 0 && !p.run.Failed() {
		rowOffset := startRow - int64(len(buffer))
		if st := flush(buffer, rowOffset); !st.Success() {
			return st
		}
	}
	return StatusOK()
}

func (p *CSVFileProcessor) buildAndUpsert(ctx context.Context, job *FileJob, schema *TableSchema, batch Batch) {
	rows, err := p.builder.BuildRows(schema, batch.Lines, batch.StartRow)
	if err != nil {
		p.run.RecordFailure(NewStatus(codes.Internal, "building rows from %s starting at row %d: %s", job.DisplayName(), batch.StartRow, err.Error()))
		return
	}
	if len(rows) == 0 {
		return
	}
	p.gateway.UpsertRows(ctx, job.TablePath, rows)
}
