package ingest

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/ipc"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet/file"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// ParquetFileProcessor runs the columnar path (spec §4.6): row-group
// iteration via apache/arrow/go/v18's pqarrow reader, logarithmic halving of
// each record batch to bound every wire payload under bytes_per_request, and
// submission through the RPC permit pool directly (no job manager).
type ParquetFileProcessor struct {
	gateway  *Gateway
	run      *RunState
	settings Settings
	log      *logrus.Entry
	progress *FileProgressCallback
}

func NewParquetFileProcessor(gateway *Gateway, run *RunState, settings Settings, log *logrus.Entry, progress *FileProgressCallback) *ParquetFileProcessor {
	return &ParquetFileProcessor{gateway: gateway, run: run, settings: settings, log: log, progress: progress}
}

// IsWindows is overridable in tests; spec §6 requires the Parquet path to
// fail BAD_REQUEST on Windows.
var IsWindows = func() bool { return runtime.GOOS == "windows" }

// ProcessFile opens path as a Parquet file, iterates its row groups, and
// submits one upsert per (possibly halved) record-batch slice.
func (p *ParquetFileProcessor) ProcessFile(ctx context.Context, job *FileJob, path string, workers *WorkerPool) Status {
	if IsWindows() {
		return NewStatus(codes.InvalidArgument, "parquet import is not supported on Windows")
	}

	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return NewStatus(codes.Internal, "opening parquet file %s: %s", path, err.Error())
	}
	defer rdr.Close()

	arrowRdr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return NewStatus(codes.Internal, "constructing arrow reader for %s: %s", path, err.Error())
	}

	totalRows := rdr.NumRows()
	var acceptedRows atomic.Int64

	recordRdr, err := arrowRdr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return NewStatus(codes.Internal, "reading record batches from %s: %s", path, err.Error())
	}
	defer recordRdr.Release()

	schema := recordRdr.Schema()
	schemaBlob, err := serializeSchema(schema)
	if err != nil {
		return NewStatus(codes.Internal, "serializing schema for %s: %s", path, err.Error())
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstBatchStatus Status = StatusOK()
	recordFailure := func(st Status) {
		mu.Lock()
		if firstBatchStatus.Success() {
			firstBatchStatus = st
		}
		mu.Unlock()
	}

	for recordRdr.Next() {
		if p.run.Failed() {
			break
		}
		rec := recordRdr.Record()
		rec.Retain()
		wg.Add(1)
		workers.Submit(false, func() {
			defer wg.Done()
			defer rec.Release()
			p.processBatch(ctx, job, rec, schemaBlob, &acceptedRows, recordFailure)
		})
	}
	wg.Wait()

	if p.progress != nil && totalRows > 0 {
		p.progress.Report(acceptedRows.Load(), totalRows)
	}

	if !firstBatchStatus.Success() {
		p.run.RecordFailure(firstBatchStatus)
		return firstBatchStatus
	}
	if p.run.Failed() {
		return p.run.FirstError()
	}
	return StatusOK()
}

// processBatch implements §4.6 steps 2-4: serialize the whole batch once to
// measure its size, compute the slice count, then walk a stack of candidate
// sub-batches, halving any candidate that is both >1 row and still over
// budget, so every submitted slice fits under bytes_per_request.
func (p *ParquetFileProcessor) processBatch(ctx context.Context, job *FileJob, rec arrow.Record, schemaBlob []byte, accepted *atomic.Int64, recordFailure func(Status)) {
	budget := p.settings.BytesPerRequest
	if budget <= 0 {
		budget = 8 << 20
	}

	totalSize, err := serializeRecordSize(rec)
	if err != nil {
		recordFailure(NewStatus(codes.Internal, "serializing record batch: %s", err.Error()))
		return
	}
	sliceCount := (totalSize + budget - 1) / budget
	if sliceCount < 1 {
		sliceCount = 1
	}
	rowsPerSlice := rec.NumRows() / sliceCount
	if rowsPerSlice < 1 {
		rowsPerSlice = 1
	}

	var stack []arrow.Record
	for start := int64(0); start < rec.NumRows(); start += rowsPerSlice {
		end := start + rowsPerSlice
		if end > rec.NumRows() {
			end = rec.NumRows()
		}
		stack = append(stack, rec.NewSlice(start, end))
	}

	for len(stack) > 0 {
		cand := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cand.NumRows() == 0 {
			cand.Release()
			continue
		}

		data, err := serializeRecord(cand)
		if err != nil {
			cand.Release()
			recordFailure(NewStatus(codes.Internal, "serializing record slice: %s", err.Error()))
			return
		}

		if cand.NumRows() == 1 || int64(len(data)) < budget {
			payload := ArrowPayload{SchemaBlob: schemaBlob, Data: data, Rows: cand.NumRows()}
			st := p.gateway.UpsertArrow(ctx, job.TablePath, payload)
			accepted.Add(cand.NumRows())
			cand.Release()
			if !st.Success() {
				recordFailure(st)
				return
			}
			continue
		}

		mid := cand.NumRows() / 2
		second := cand.NewSlice(mid, cand.NumRows())
		first := cand.NewSlice(0, mid)
		cand.Release()
		stack = append(stack, second, first)
	}
}

func serializeSchema(schema *arrow.Schema) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeRecord(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeRecordSize(rec arrow.Record) (int64, error) {
	data, err := serializeRecord(rec)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
