package future

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Completion is a one-shot slot for a job outcome delivered by push. It is
// resolved with the job's Result or failed with a transport error, once.
type Completion struct {
	once sync.Once
	done chan struct{}

	res        types.Result
	err        error
	resolvedAt time.Time
}

// NewCompletion returns an unsettled completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve stores the job's outcome. It reports false if c was already
// settled.
func (c *Completion) Resolve(res types.Result) bool {
	return c.settle(res, nil)
}

// Fail settles c with err, a failure to obtain the outcome.
func (c *Completion) Fail(err error) bool {
	return c.settle(types.Result{}, err)
}

func (c *Completion) settle(res types.Result, err error) bool {
	settled := false
	c.once.Do(func() {
		c.res = res
		c.err = err
		c.resolvedAt = time.Now()
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed once c is settled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether c has been resolved or failed.
func (c *Completion) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SettledAt is when c was settled; zero while pending.
func (c *Completion) SettledAt() time.Time {
	if !c.Settled() {
		return time.Time{}
	}
	return c.resolvedAt
}

// Wait blocks until c is settled or ctx ends.
func (c *Completion) Wait(ctx context.Context) (types.Result, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		select {
		case <-c.done:
			return c.res, c.err
		default:
		}
		return types.Result{}, ctx.Err()
	}
}
