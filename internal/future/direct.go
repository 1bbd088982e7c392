package future

import (
	"context"

	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// WorkerCalls is the part of a worker a future talks to.
type WorkerCalls interface {
	rpc.Completable
	rpc.Cancellable
}

// Direct is the future returned on submission. Its outcome arrives by
// push into the Completion; the worker is only called for cancellation
// and for IsDone while nothing has arrived yet.
type Direct struct {
	id      types.JobID
	address string
	worker  WorkerCalls
	comp    *Completion
}

var _ Future = (*Direct)(nil)

// NewDirect binds a future for job id on the worker at address to comp.
func NewDirect(id types.JobID, address string, worker WorkerCalls, comp *Completion) *Direct {
	return &Direct{id: id, address: address, worker: worker, comp: comp}
}

// ID returns the job id.
func (d *Direct) ID() types.JobID {
	return d.id
}

// Address returns the worker running the job.
func (d *Direct) Address() string {
	return d.address
}

// Reference returns the serializable form of d.
func (d *Direct) Reference() Reference {
	return Reference{JobID: d.id, Address: d.address}
}

// Done is closed when the outcome has arrived.
func (d *Direct) Done() <-chan struct{} {
	return d.comp.Done()
}

// Result waits for the pushed outcome. An ended ctx yields
// types.ErrTimeout (deadline) or the context's error.
func (d *Direct) Result(ctx context.Context) (types.Result, error) {
	res, err := d.comp.Wait(ctx)
	if err != nil && !d.comp.Settled() {
		return res, ctxError(ctx, d.id)
	}
	return res, err
}

// IsDone answers from the pushed outcome, asking the worker only while none arrived.
func (d *Direct) IsDone(ctx context.Context) (bool, error) {
	if d.comp.Settled() {
		return true, nil
	}
	return d.worker.IsDone(ctx, d.id)
}

// IsCancelled answers from the pushed outcome, or asks the worker.
func (d *Direct) IsCancelled(ctx context.Context) (bool, error) {
	if d.comp.Settled() {
		res, err := d.comp.Wait(ctx)
		return err == nil && res.State() == types.StateCancelled, nil
	}
	return d.worker.IsCancelled(ctx, d.id)
}

// Cancel asks the worker to cancel the job.
func (d *Direct) Cancel(ctx context.Context, mayInterrupt bool) (bool, error) {
	return d.worker.Cancel(ctx, d.id, mayInterrupt)
}
