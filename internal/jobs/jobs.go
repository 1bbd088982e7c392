// Package jobs holds the job kinds every fleet worker understands. They
// are registered in job.DefaultRegistry by Register, which the fleet
// binary calls on both sides of the wire.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/attr"
	"github.com/ChuLiYu/fleet-rpc/internal/future"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
)

// Kind names.
const (
	KindEcho  = "echo"
	KindSleep = "sleep"
	KindFail  = "fail"
	KindSum   = "sum"
	KindPut   = "store.put"
	KindGet   = "store.get"
)

var registerOnce sync.Once

// Register adds the built-in kinds to job.DefaultRegistry. It is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() { RegisterIn(job.DefaultRegistry) })
}

// RegisterIn adds the built-in kinds to r.
func RegisterIn(r *job.Registry) {
	r.Register(KindEcho, Echo{})
	r.Register(KindSleep, Sleep{})
	r.Register(KindFail, Fail{})
	r.Register(KindSum, Sum{})
	r.Register(KindPut, Put{})
	r.Register(KindGet, Get{})
}

// Echo returns its value.
type Echo struct {
	Value string `cbor:"1,keyasint" json:"value"`
}

// Run returns Value unchanged.
func (e Echo) Run(*job.Context) (any, error) {
	return e.Value, nil
}

// Sleep waits for Duration and returns it in milliseconds. Cancelling the
// job interrupts the wait.
type Sleep struct {
	Duration time.Duration `cbor:"1,keyasint" json:"duration"`
}

// Run waits for Duration and returns it in milliseconds.
func (s Sleep) Run(ctx *job.Context) (any, error) {
	t := time.NewTimer(s.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return s.Duration.Milliseconds(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FailError is the error a Fail job ends with.
type FailError struct {
	Message string
}

// Error returns the configured message.
func (e *FailError) Error() string {
	return e.Message
}

// Fail always fails with Message.
type Fail struct {
	Message string `cbor:"1,keyasint" json:"message"`
}

// Run always fails with a *FailError.
func (f Fail) Run(*job.Context) (any, error) {
	return nil, &FailError{Message: f.Message}
}

// Sum adds the integer results of other jobs, wherever they ran, plus
// Base.
type Sum struct {
	Base int64              `cbor:"1,keyasint" json:"base"`
	Refs []future.Reference `cbor:"2,keyasint" json:"refs"`
}

// Run fetches every referenced result and adds it to Base.
func (s Sum) Run(ctx *job.Context) (any, error) {
	total := s.Base
	for _, ref := range s.Refs {
		res, err := ref.Fetch(ctx, ctx.Results)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		var v int64
		if err := job.Decode(res, &v); err != nil {
			return nil, fmt.Errorf("input %s: %w", ref, err)
		}
		total += v
	}
	return total, nil
}

// ErrNoSuchKey is returned by Get for keys never Put on the worker.
var ErrNoSuchKey = errors.New("no such key")

var kvKey = attr.NewKey[*sync.Map]("jobs.kv")

func kv(ctx *job.Context) *sync.Map {
	return attr.SetIfAbsent(ctx.Store, kvKey, &sync.Map{})
}

// Put stores Value under Key in the worker's store and returns the
// previous value, if any.
type Put struct {
	Key   string `cbor:"1,keyasint" json:"key"`
	Value string `cbor:"2,keyasint" json:"value"`
}

// Run stores Value under Key and returns the previous value.
func (p Put) Run(ctx *job.Context) (any, error) {
	prev, _ := kv(ctx).Swap(p.Key, p.Value)
	if prev == nil {
		return "", nil
	}
	return prev.(string), nil
}

// Get reads Key from the worker's store.
type Get struct {
	Key string `cbor:"1,keyasint" json:"key"`
}

// Run returns the value stored under Key, or ErrNoSuchKey.
func (g Get) Run(ctx *job.Context) (any, error) {
	v, ok := kv(ctx).Load(g.Key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchKey, g.Key)
	}
	return v.(string), nil
}
