package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// RPCAdmission is the process-wide RPC permit pool (spec §4.1 "Process-wide
// RPC admission"): a counting permit pool of capacity maxInFlightRequests,
// built on golang.org/x/sync/semaphore.Weighted, the natural Go analogue of
// the C++ std::counting_semaphore the original client uses.
type RPCAdmission struct {
	sem              *semaphore.Weighted
	informed         atomic.Bool
	verbose          bool
	newlineDelimited bool
	log              *logrus.Entry
}

func NewRPCAdmission(capacity int64, verbose, newlineDelimited bool, log *logrus.Entry) *RPCAdmission {
	return &RPCAdmission{
		sem:              semaphore.NewWeighted(capacity),
		verbose:          verbose,
		newlineDelimited: newlineDelimited,
		log:              log,
	}
}

// Acquire blocks until an RPC permit is available. On the first observed
// block (only noted when the newline-delimited CSV path is active, per
// spec §4.1), it logs a one-time notice and then an informational "@" tick
// for every subsequent block.
func (a *RPCAdmission) Acquire(ctx context.Context) error {
	if a.sem.TryAcquire(1) {
		return nil
	}
	if a.verbose && a.newlineDelimited {
		if !a.informed.Swap(true) {
			a.log.Info("max request inflight is reached; a worker is waiting for any response from the database")
		} else {
			a.log.Debug("@")
		}
	}
	return a.sem.Acquire(ctx, 1)
}

// Release returns one RPC permit. Must be called exactly once per
// successful Acquire, after the RPC future resolves.
func (a *RPCAdmission) Release() {
	a.sem.Release(1)
}

// JobAdmission brackets one logical "job" (build phase + RPC phase including
// retries), bounding how many such jobs may be outstanding at once. Both the
// cross-file redistributing JobInflightManager and the chunk-local
// LocalJobPool implement it; CSVFileProcessor is admission-scheme-agnostic.
type JobAdmission interface {
	AcquireJob(ctx context.Context) error
	ReleaseJob()
	WaitForAllJobs(ctx context.Context) error
}

// shareOf computes effectiveOrder's share of total split count-ways, giving
// the first (total % count) shares one extra unit. Shared by
// JobInflightManager (cross-file redistribution) and LocalJobPool (static
// per-chunk split), matching the identical formula the original applies in
// TJobInFlightManager::GetSemaphoreMaxValue and UpsertCsvByBlocks's
// per-thread GetThreadLimit.
func shareOf(effectiveOrder, count, total int64) int64 {
	if count <= 0 {
		return 1
	}
	share := total / count
	if effectiveOrder < total%count {
		share++
	}
	if share < 1 {
		share = 1
	}
	return share
}

// JobInflightManager is the per-file admission gate used on the CSV
// non-newline-delimited path (spec §4.1 "Per-file job admission").
//
// Invariant (spec §3): currentSemaphoreCap = max(1, maxJobInflightTotal /
// currentFileCount + (effectiveOrder < maxJobInflightTotal % currentFileCount
// ? 1 : 0)). When a sibling finishes, currentFileCount decreases by one and
// the cap is recomputed; any positive delta is released into the permit
// pool so active siblings gain capacity no finishing file ever shrinks.
type JobInflightManager struct {
	mu                  sync.Mutex
	maxJobInflight      int64
	currentFileCount    int64
	currentSemaphoreCap int64
	finished            bool
	sem                 *semaphore.Weighted
}

func NewJobInflightManager(orderNum, fileCount int, maxJobInflightTotal int64) *JobInflightManager {
	m := &JobInflightManager{
		maxJobInflight:   maxJobInflightTotal,
		currentFileCount: int64(fileCount),
	}
	m.currentSemaphoreCap = m.capFor(int64(orderNum))
	m.sem = semaphore.NewWeighted(m.currentSemaphoreCap)
	return m
}

// capFor computes the per-manager cap for an effective order number,
// matching TJobInFlightManager::GetSemaphoreMaxValue: the first
// (maxJobInflight % currentFileCount) managers get one extra permit.
func (m *JobInflightManager) capFor(effectiveOrder int64) int64 {
	return shareOf(effectiveOrder, m.currentFileCount, m.maxJobInflight)
}

// AcquireJob brackets the start of one logical job (build phase + RPC).
func (m *JobInflightManager) AcquireJob(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// ReleaseJob must be called exactly once per AcquireJob, after the RPC
// (including retries) resolves, or immediately if submission failed
// synchronously (spec §4.1 "Failure").
func (m *JobInflightManager) ReleaseJob() {
	m.sem.Release(1)
}

// OnSiblingFinished is invoked once per manager, in turn, whenever any
// sibling file in the run finishes. informedSoFar is the number of other
// managers already informed in this pass; it doubles as the "effective
// order number" used to recompute this manager's cap (this mirrors the
// original's drift, documented as intended design in spec §9's Open
// Questions). Returns true iff this manager did work, in which case the
// caller advances informedSoFar for the next manager.
func (m *JobInflightManager) OnSiblingFinished(informedSoFar int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.currentFileCount <= 1 {
		return false
	}
	m.currentFileCount--
	newCap := m.capFor(informedSoFar)
	delta := newCap - m.currentSemaphoreCap
	m.currentSemaphoreCap = newCap
	if delta > 0 {
		m.sem.Release(delta)
	}
	return true
}

// Finish marks this manager terminal; further OnSiblingFinished calls are
// ignored (spec O3: Finish happens-before any subsequent observation).
func (m *JobInflightManager) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
}

// WaitForAllJobs drains by acquiring the full current cap, blocking until
// every outstanding job has released its permit (spec O2).
func (m *JobInflightManager) WaitForAllJobs(ctx context.Context) error {
	m.mu.Lock()
	n := m.currentSemaphoreCap
	m.mu.Unlock()
	return m.sem.Acquire(ctx, n)
}

// NotifySiblingsFinished runs OnSiblingFinished across every manager in
// managers except the one that just finished, exactly as the orchestrator
// loop in UpsertCsv/Import does: Finish() this manager, then inform the
// others in order, advancing the "informed" counter only when a manager
// reports it did work.
func NotifySiblingsFinished(managers []*JobInflightManager, finishedIdx int) {
	managers[finishedIdx].Finish()
	var informed int64
	for i, m := range managers {
		if i == finishedIdx {
			continue
		}
		if m.OnSiblingFinished(informed) {
			informed++
		}
	}
}

// LocalJobPool is the per-chunk admission gate used on the newline-delimited
// CSV path, grounded in UpsertCsvByBlocks's per-thread local
// std::counting_semaphore: its capacity is fixed at construction from
// (chunkID, chunkCount, maxJobInflightTotal) and never redistributed across
// chunks or sibling files, unlike JobInflightManager. Each chunk goroutine
// gets its own LocalJobPool; there is no cross-chunk or cross-file sharing.
type LocalJobPool struct {
	sem *semaphore.Weighted
	cap int64
}

func NewLocalJobPool(chunkID, chunkCount int, maxJobInflightTotal int64) *LocalJobPool {
	c := shareOf(int64(chunkID), int64(chunkCount), maxJobInflightTotal)
	return &LocalJobPool{sem: semaphore.NewWeighted(c), cap: c}
}

func (p *LocalJobPool) AcquireJob(ctx context.Context) error { return p.sem.Acquire(ctx, 1) }

func (p *LocalJobPool) ReleaseJob() { p.sem.Release(1) }

func (p *LocalJobPool) WaitForAllJobs(ctx context.Context) error { return p.sem.Acquire(ctx, p.cap) }

// MaxInflightGetter is the JSON path's simpler in-flight approximation
// (spec §4.5): ceil(maxInFlightRequests / currentFileCount), recomputed
// live against a shared atomic file counter that is decremented once when
// the getter is released (spec §9 Open Questions: this can transiently
// drift above maxInFlightRequests, which is fine because RPCAdmission is
// the ultimate gate).
type MaxInflightGetter struct {
	totalMaxInFlight int64
	currentFileCount *atomic.Int64
	released         atomic.Bool
}

func NewMaxInflightGetter(totalMaxInFlight int64, currentFileCount *atomic.Int64) *MaxInflightGetter {
	return &MaxInflightGetter{totalMaxInFlight: totalMaxInFlight, currentFileCount: currentFileCount}
}

func (g *MaxInflightGetter) CurrentMaxInflight() int64 {
	files := g.currentFileCount.Load()
	if files < 1 {
		files = 1
	}
	return (g.totalMaxInFlight-1)/files + 1
}

// Release decrements the shared file count exactly once, widening
// siblings' share, mirroring TMaxInflightGetter's destructor.
func (g *MaxInflightGetter) Release() {
	if !g.released.Swap(true) {
		g.currentFileCount.Add(-1)
	}
}
