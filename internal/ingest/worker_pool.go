package ingest

import "sync"

// WorkerPool is the shared build+upsert worker pool (spec §5 "Worker
// pool: shared across all files, size = threads"), grounded in the
// channel-backed jobs/results shape of the reference worker pool but
// simplified to fire-and-forget tasks since job admission is already
// tracked by the caller's JobInflightManager/MaxInflightGetter.
//
// Submit blocks when blocking is true (the non-newline-delimited CSV path,
// where callers preallocate capacity via a shared job permit before
// submitting) and is non-blocking otherwise (the newline-delimited CSV path
// and the JSON/Parquet paths all bound concurrency themselves via their own
// per-chunk or per-file admission scheme and must not stall the reader loop
// on a full pool).
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{tasks: make(chan func(), size*4)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues task. When blocking is false and the pool's internal
// buffer is full, the task runs on a new goroutine of its own instead of
// stalling the caller, matching spec §5's "non-blocking otherwise" requirement.
func (p *WorkerPool) Submit(blocking bool, task func()) {
	if blocking {
		p.tasks <- task
		return
	}
	select {
	case p.tasks <- task:
	default:
		go task()
	}
}

// Close stops accepting new work and waits for in-flight tasks to drain.
func (p *WorkerPool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
