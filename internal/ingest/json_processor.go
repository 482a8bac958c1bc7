package ingest

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// inflightGate bounds concurrent in-flight tasks against a limit that can
// change between acquisitions (spec §4.5's MaxInflightGetter.CurrentMaxInflight
// shifts as sibling files finish). A channel-based semaphore can't be resized
// safely mid-flight, so this uses a condition variable instead.
type inflightGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	active  int64
	maxFunc func() int64
}

func newInflightGate(maxFunc func() int64) *inflightGate {
	g := &inflightGate{maxFunc: maxFunc}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *inflightGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.active >= g.maxFunc() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	g.active++
	return nil
}

func (g *inflightGate) release() {
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	g.cond.Broadcast()
}

// drain blocks until every acquired slot has been released.
func (g *inflightGate) drain() {
	g.mu.Lock()
	for g.active > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// JSONFileProcessor runs the newline-delimited JSON path (spec §4.5): a
// plain line reader (no chunker), batching by byte budget, and a
// MaxInflightGetter bounding concurrency instead of a JobInflightManager.
type JSONFileProcessor struct {
	gateway  *Gateway
	run      *RunState
	builder  RowBuilder
	schema   *TableSchema
	settings Settings
	log      *logrus.Entry
	progress *FileProgressCallback
}

func NewJSONFileProcessor(gateway *Gateway, run *RunState, builder RowBuilder, schema *TableSchema, settings Settings, log *logrus.Entry, progress *FileProgressCallback) *JSONFileProcessor {
	return &JSONFileProcessor{gateway: gateway, run: run, builder: builder, schema: schema, settings: settings, log: log, progress: progress}
}

// ProcessFile reads r line by line, dispatching build+upsert tasks onto
// workers bounded by inflight's CurrentMaxInflight(), and returns the
// file's own terminal status.
func (p *JSONFileProcessor) ProcessFile(ctx context.Context, job *FileJob, r io.Reader, size int64, inflight *MaxInflightGetter, workers *WorkerPool) Status {
	defer inflight.Release()

	reader := bufio.NewReaderSize(r, p.settings.FileBufferSize)
	gate := newInflightGate(inflight.CurrentMaxInflight)

	var buffer []string
	var batchBytes int64
	var startRow int64 = 1
	var readBytes int64
	var verboseThreshold int64 = VerboseStepSize

	flush := func(lines []string, rowOffset int64) Status {
		if len(lines) == 0 {
			return StatusOK()
		}
		if err := gate.acquire(ctx); err != nil {
			return NewStatus(codes.Internal, "waiting for inflight slot: %s", err.Error())
		}
		batch := Batch{Lines: lines, StartRow: rowOffset}
		workers.Submit(false, func() {
			defer gate.release()
			p.buildAndUpsert(ctx, job, batch)
		})
		return StatusOK()
	}

	for {
		if p.run.Failed() {
			break
		}
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			if line != "" {
				buffer = append(buffer, line)
				batchBytes += int64(len(line))
				readBytes += int64(len(line)) + 1
				startRow++
				p.run.AddBytesRead(int64(len(line)) + 1)

				if p.progress != nil && size > 0 {
					p.progress.Report(readBytes, size)
				}
				if p.settings.Verbose && readBytes >= verboseThreshold {
					p.log.WithFields(logrus.Fields{"file": job.DisplayName(), "read_bytes": readBytes}).
						Info("processed file progress")
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
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return NewStatus(codes.Internal, "reading %s: %s", job.DisplayName(), err.Error())
		}
	}

	if len(buffer) > 0 && !p.run.Failed() {
		rowOffset := startRow - int64(len(buffer))
		if st := flush(buffer, rowOffset); !st.Success() {
			return st
		}
	}

	gate.drain()

	if p.run.Failed() {
		return p.run.FirstError()
	}
	return StatusOK()
}

func (p *JSONFileProcessor) buildAndUpsert(ctx context.Context, job *FileJob, batch Batch) {
	rows, err := p.builder.BuildRows(p.schema, batch.Lines, batch.StartRow)
	if err != nil {
		p.run.RecordFailure(NewStatus(codes.Internal, "building rows from %s starting at row %d: %s", job.DisplayName(), batch.StartRow, err.Error()))
		return
	}
	if len(rows) == 0 {
		return
	}
	p.gateway.UpsertRows(ctx, job.TablePath, rows)
}
