package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/future"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

type shadowKey struct {
	worker string
	id     types.JobID
}

// shadow is the coordinator side of a submitted job. Whichever of the
// submitter (claim) and the worker's notification (resolve) comes first
// creates it.
type shadow struct {
	comp    *future.Completion
	claimed atomic.Bool
}

// completions holds the shadows of jobs whose outcome has not been handed
// over yet.
type completions struct {
	table sync.Map // shadowKey -> *shadow
}

func (c *completions) load(worker string, id types.JobID) *shadow {
	k := shadowKey{worker, id}
	if s, ok := c.table.Load(k); ok {
		return s.(*shadow)
	}
	s, _ := c.table.LoadOrStore(k, &shadow{comp: future.NewCompletion()})
	return s.(*shadow)
}

// claim hands the completion for a job to its submitter.
func (c *completions) claim(worker string, id types.JobID) *future.Completion {
	s := c.load(worker, id)
	s.claimed.Store(true)
	if s.comp.Settled() {
		c.table.CompareAndDelete(shadowKey{worker, id}, s)
	}
	return s.comp
}

// resolve delivers a job outcome. It reports false when the job's
// completion was already settled, e.g. by a kill.
func (c *completions) resolve(worker string, id types.JobID, res types.Result) bool {
	s := c.load(worker, id)
	ok := s.comp.Resolve(res)
	if s.claimed.Load() {
		c.table.CompareAndDelete(shadowKey{worker, id}, s)
	}
	return ok
}

// failWorker fails every unsettled completion of worker with err.
func (c *completions) failWorker(worker string, err error) int {
	n := 0
	c.table.Range(func(k, v any) bool {
		key := k.(shadowKey)
		if key.worker != worker {
			return true
		}
		s := v.(*shadow)
		if s.comp.Fail(err) {
			n++
		}
		if s.claimed.Load() {
			c.table.CompareAndDelete(key, s)
		}
		return true
	})
	return n
}

// sweep drops settled shadows that were handed over, and settled shadows
// nobody claimed within ttl. It returns the number of orphans dropped.
func (c *completions) sweep(now time.Time, ttl time.Duration) int {
	orphans := 0
	c.table.Range(func(k, v any) bool {
		s := v.(*shadow)
		if !s.comp.Settled() {
			return true
		}
		switch {
		case s.claimed.Load():
			c.table.CompareAndDelete(k, s)
		case now.Sub(s.comp.SettledAt()) >= ttl:
			if c.table.CompareAndDelete(k, s) {
				orphans++
			}
		}
		return true
	})
	return orphans
}

func (c *completions) len() int {
	n := 0
	c.table.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
