package future

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Reference names a job on a worker. It holds no result and can be
// embedded in job arguments.
type Reference struct {
	JobID   types.JobID `cbor:"1,keyasint" json:"job_id"`
	Address string      `cbor:"2,keyasint" json:"address"`
}

// String returns id@address.
func (r Reference) String() string {
	return fmt.Sprintf("%s@%s", r.JobID, r.Address)
}

// Dialer produces worker clients by address. *rpc.Pool is a Dialer.
type Dialer interface {
	Worker(address string) (*rpc.WorkerClient, error)
}

// Resolve binds r to d. Every call on the result dials the worker anew
// through d.
func (r Reference) Resolve(d Dialer) *Remote {
	return &Remote{ref: r, dialer: d}
}

// Fetch waits for the referenced job's outcome through src. Jobs use it
// with the ResultSource in their job.Context.
func (r Reference) Fetch(ctx context.Context, src job.ResultSource) (types.Result, error) {
	if src == nil {
		return types.Result{}, fmt.Errorf("%w: no result source to reach %s", types.ErrRPC, r.Address)
	}
	res, err := src.Result(ctx, r.Address, r.JobID)
	if err != nil && ctx.Err() != nil {
		return res, ctxError(ctx, r.JobID)
	}
	return res, err
}

// Remote is a Reference bound to a Dialer. Its calls go to the owning
// worker.
type Remote struct {
	ref    Reference
	dialer Dialer
}

var _ Future = (*Remote)(nil)

// ID returns the job id.
func (r *Remote) ID() types.JobID {
	return r.ref.JobID
}

// Address returns the worker running the job.
func (r *Remote) Address() string {
	return r.ref.Address
}

func (r *Remote) worker() (*rpc.WorkerClient, error) {
	return r.dialer.Worker(r.ref.Address)
}

// Result issues a blocking Get to the worker.
func (r *Remote) Result(ctx context.Context) (types.Result, error) {
	w, err := r.worker()
	if err != nil {
		return types.Result{}, err
	}
	res, err := w.Get(ctx, r.ref.JobID)
	if err != nil && ctx.Err() != nil {
		return res, fmt.Errorf("%w (%w)", ctxError(ctx, r.ref.JobID), err)
	}
	return res, err
}

// IsDone asks the worker.
func (r *Remote) IsDone(ctx context.Context) (bool, error) {
	w, err := r.worker()
	if err != nil {
		return false, err
	}
	return w.IsDone(ctx, r.ref.JobID)
}

// IsCancelled asks the worker.
func (r *Remote) IsCancelled(ctx context.Context) (bool, error) {
	w, err := r.worker()
	if err != nil {
		return false, err
	}
	return w.IsCancelled(ctx, r.ref.JobID)
}

// Cancel asks the worker to cancel the job.
func (r *Remote) Cancel(ctx context.Context, mayInterrupt bool) (bool, error) {
	w, err := r.worker()
	if err != nil {
		return false, err
	}
	return w.Cancel(ctx, r.ref.JobID, mayInterrupt)
}
