package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// RunState is the shared, process-wide failure record for one Import run
// (spec §3 AdmissionState's `failed`/`first_error`, spec §7's "first
// non-success recorded ... under a CAS-guarded failed flag wins").
type RunState struct {
	failed     atomic.Bool
	firstErr   sync.Once
	firstError Status
	bytesRead  atomic.Int64
}

func NewRunState() *RunState { return &RunState{} }

func (r *RunState) Failed() bool { return r.failed.Load() }

// RecordFailure sets the failed flag (idempotently) and stores st as
// FirstError if nothing has been recorded yet. Only the first observed
// failure is kept; later ones are dropped (but still fail their own
// future, which is the caller's responsibility).
func (r *RunState) RecordFailure(st Status) {
	if st.Success() {
		return
	}
	r.failed.Store(true)
	r.firstErr.Do(func() { r.firstError = st })
}

func (r *RunState) FirstError() Status {
	if !r.failed.Load() {
		return StatusOK()
	}
	return r.firstError
}

func (r *RunState) AddBytesRead(n int64) { r.bytesRead.Add(n) }
func (r *RunState) BytesRead() int64     { return r.bytesRead.Load() }

// Gateway wraps a TableClient's BulkUpsert with an idempotent, bounded
// retry policy (spec §4.2) and always releases the RPC admission permit it
// acquired, on both success and failure.
type Gateway struct {
	client   TableClient
	rpc      *RPCAdmission
	run      *RunState
	settings Settings
	log      *logrus.Entry
	metrics  *Metrics
}

func NewGateway(client TableClient, rpc *RPCAdmission, run *RunState, settings Settings, log *logrus.Entry, metrics *Metrics) *Gateway {
	return &Gateway{client: client, rpc: rpc, run: run, settings: settings, log: log, metrics: metrics}
}

// UpsertRows acquires an RPC permit, calls BulkUpsertRows idempotently for
// at most settings.MaxRetries attempts, releases the permit, and records the first
// failure on RunState. The returned Status is this call's own outcome
// (callers that need the run's recorded first error use RunState directly).
func (g *Gateway) UpsertRows(ctx context.Context, path string, rows []Row) Status {
	if err := g.rpc.Acquire(ctx); err != nil {
		return NewStatus(codes.Canceled, "%s", err.Error())
	}
	defer g.rpc.Release()
	if g.metrics != nil {
		g.metrics.rpcInflight.Inc()
		defer g.metrics.rpcInflight.Dec()
	}

	opts := UpsertOptions{
		OperationTimeout: g.settings.OperationTimeout,
		ClientTimeout:    g.settings.ClientTimeout,
		Idempotent:       true,
	}
	st := g.retry(ctx, func(ctx context.Context) error {
		return g.client.BulkUpsertRows(ctx, path, rows, opts)
	})
	g.run.RecordFailure(st)
	if g.metrics != nil {
		if st.Success() {
			g.metrics.rowsUpserted.Add(float64(len(rows)))
		} else {
			g.metrics.firstError.Set(1)
		}
	}
	return st
}

// UpsertArrow is the Parquet-path equivalent of UpsertRows.
func (g *Gateway) UpsertArrow(ctx context.Context, path string, payload ArrowPayload) Status {
	if err := g.rpc.Acquire(ctx); err != nil {
		return NewStatus(codes.Canceled, "%s", err.Error())
	}
	defer g.rpc.Release()
	if g.metrics != nil {
		g.metrics.rpcInflight.Inc()
		defer g.metrics.rpcInflight.Dec()
	}

	opts := UpsertOptions{
		OperationTimeout: g.settings.OperationTimeout,
		ClientTimeout:    g.settings.ClientTimeout,
		Idempotent:       true,
	}
	st := g.retry(ctx, func(ctx context.Context) error {
		return g.client.BulkUpsertArrow(ctx, path, payload, opts)
	})
	g.run.RecordFailure(st)
	if g.metrics != nil {
		if st.Success() {
			g.metrics.rowsUpserted.Add(float64(payload.Rows))
		} else {
			g.metrics.firstError.Set(1)
		}
	}
	return st
}

// retry is the idempotent bounded-retry policy: exponential backoff,
// capped at settings.MaxRetries attempts, bounded by OperationTimeout when
// set. Only the terminal attempt's status is observed (spec P5), matching
// RetryOperation(idempotent=true) in the original client.
func (g *Gateway) retry(ctx context.Context, attempt func(context.Context) error) Status {
	if g.settings.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.settings.OperationTimeout)
		defer cancel()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var last Status
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		opErr := attempt(ctx)
		last = StatusFromError(opErr)
		if opErr == nil {
			return struct{}{}, nil
		}
		if !retryable(last.Code) {
			return struct{}{}, backoff.Permanent(opErr)
		}
		return struct{}{}, opErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(g.settings.MaxRetries)))

	if err != nil && last.Success() {
		last = StatusFromError(err)
	}
	return last
}

// retryable reports whether a status code represents a transient RPC
// failure worth retrying idempotently. Precondition/validation failures
// are never retried.
func retryable(code codes.Code) bool {
	switch code {
	case codes.OK, codes.InvalidArgument, codes.AlreadyExists, codes.PermissionDenied,
		codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition:
		return false
	default:
		return true
	}
}
