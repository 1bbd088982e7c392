package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

var cancelledResult = types.Failed(&types.JobError{Kind: types.KindCancelled, Message: "job cancelled"})

// entry is the worker-side future of one submitted job.
type entry struct {
	id        types.JobID
	kind      string
	submitted time.Time

	mu     sync.Mutex
	state  types.FutureState
	result types.Result
	done   chan struct{}

	// ctx is the job's context; cancel interrupts it.
	ctx    context.Context
	cancel context.CancelFunc

	reported   atomic.Bool
	reportedAt atomic.Int64 // unix nanos
}

func newEntry(parent context.Context, id types.JobID, kind string) *entry {
	ctx, cancel := context.WithCancel(parent)
	return &entry{
		id:        id,
		kind:      kind,
		submitted: time.Now(),
		state:     types.StatePending,
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// runnable reports whether the job should still be started.
func (e *entry) runnable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == types.StatePending
}

// complete stores res unless the entry already completed. It reports
// whether res was stored.
func (e *entry) complete(res types.Result) bool {
	e.mu.Lock()
	if e.state != types.StatePending {
		e.mu.Unlock()
		return false
	}
	e.result = res
	e.state = res.State()
	close(e.done)
	e.mu.Unlock()

	e.cancel()
	return true
}

// cancelJob marks a pending entry cancelled. The job's context is only
// cancelled when mayInterrupt is set; otherwise a running job finishes
// and its outcome is discarded.
func (e *entry) cancelJob(mayInterrupt bool) bool {
	e.mu.Lock()
	if e.state != types.StatePending {
		e.mu.Unlock()
		return false
	}
	e.result = cancelledResult
	e.state = types.StateCancelled
	close(e.done)
	e.mu.Unlock()

	if mayInterrupt {
		e.cancel()
	}
	return true
}

func (e *entry) snapshot() (types.FutureState, types.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.result
}

func (e *entry) isDone() bool {
	state, _ := e.snapshot()
	return state.Terminal()
}

func (e *entry) isCancelled() bool {
	state, _ := e.snapshot()
	return state == types.StateCancelled
}

// wait blocks until the entry completes or ctx ends.
func (e *entry) wait(ctx context.Context) (types.Result, error) {
	select {
	case <-e.done:
		_, res := e.snapshot()
		return res, nil
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
}

func (e *entry) markReported(at time.Time) {
	e.reportedAt.Store(at.UnixNano())
}

// reportedSince is how long ago the completion was reported, or zero.
func (e *entry) reportedSince(now time.Time) time.Duration {
	at := e.reportedAt.Load()
	if at == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, at))
}
