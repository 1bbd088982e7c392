// Package future is the submitter's view of remote jobs.
//
// A Direct future is what the coordinator hands out on submission: it
// completes when the worker pushes the job's outcome. A Reference is the
// serializable {job id, worker address} pair; it can travel inside other
// jobs and be resolved against the owning worker from anywhere.
//
// Errors are kept apart: transport failures match types.ErrRPC, unknown
// ids match types.ErrJobNotFound, an expired context matches
// types.ErrTimeout, and the job's own failure is the *types.JobError in the
// Result (or the error returned by Get and Await).
package future

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Future is a handle on a job running on a worker.
type Future interface {
	ID() types.JobID
	Address() string
	// Result blocks until the job completes and returns its outcome. The
	// error is non-nil only when the outcome could not be obtained.
	Result(ctx context.Context) (types.Result, error)
	IsDone(ctx context.Context) (bool, error)
	IsCancelled(ctx context.Context) (bool, error)
	Cancel(ctx context.Context, mayInterrupt bool) (bool, error)
}

// Get returns the encoded value of f's job, or its *types.JobError.
func Get(ctx context.Context, f Future) ([]byte, error) {
	res, err := f.Result(ctx)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

// Await waits for f and decodes its value into a T.
func Await[T any](ctx context.Context, f Future) (T, error) {
	var v T
	res, err := f.Result(ctx)
	if err != nil {
		return v, err
	}
	if err := job.Decode(res, &v); err != nil {
		return v, err
	}
	return v, nil
}

// AwaitAll waits for every future in order and decodes their values. It
// stops at the first error.
func AwaitAll[T any](ctx context.Context, fs ...Future) ([]T, error) {
	out := make([]T, 0, len(fs))
	for _, f := range fs {
		v, err := Await[T](ctx, f)
		if err != nil {
			return out, fmt.Errorf("job %s on %s: %w", f.ID(), f.Address(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ctxError turns an ended context into the timeout error of the taxonomy.
func ctxError(ctx context.Context, id types.JobID) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: job %s: %w", types.ErrTimeout, id, err)
	}
	return fmt.Errorf("job %s: %w", id, err)
}
