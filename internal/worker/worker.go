// ============================================================================
// Fleet Worker - job table and RPC surface of a worker process
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// A Node accepts job envelopes, runs them on a bounded executor pool and
// keeps one entry per job in a concurrent table:
//
//   Submit --> entry{PENDING} --> pool --> job.Execute --> entry{DONE|FAILED}
//                                                              |
//   Cancel --> entry{CANCELLED} -------------------------------+
//                                                              v
//                                                   reporter: notify once
//
// The reporter (reporter.go) pushes every completion to the coordinator
// exactly once and then retires the entry. Lookups of ids that are not in
// the table fail with types.ErrJobNotFound.
//
// All jobs on a node share one attr.Map store that lives as long as the
// node.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/fleet-rpc/internal/attr"
	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Options assembles a Node.
type Options struct {
	Config config.Worker
	// Address the node reports as its own.
	Address string
	// Registry resolves job kinds. Defaults to job.DefaultRegistry.
	Registry *job.Registry
	// Notifier receives completions. Nil disables notification.
	Notifier rpc.CompletionListener
	// Results lets jobs fetch other jobs' results. May be nil.
	Results job.ResultSource
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Node is a worker. It implements rpc.WorkerService.
type Node struct {
	cfg      config.Worker
	address  string
	registry *job.Registry
	notifier rpc.CompletionListener
	results  job.ResultSource
	metrics  *metrics.Collector
	log      *slog.Logger

	store *attr.Map
	jobs  sync.Map // types.JobID -> *entry
	pool  *pool

	completed chan *entry

	baseCtx    context.Context
	cancelJobs context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

var _ rpc.WorkerService = (*Node)(nil)

// NewNode creates a node. Call Start before submitting.
func NewNode(opts Options) *Node {
	if opts.Registry == nil {
		opts.Registry = job.DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:        opts.Config,
		address:    opts.Address,
		registry:   opts.Registry,
		notifier:   opts.Notifier,
		results:    opts.Results,
		metrics:    opts.Metrics,
		log:        opts.Logger.With("component", "worker", "address", opts.Address),
		store:      &attr.Map{},
		pool:       newPool(opts.Config.QueueSize),
		completed:  make(chan *entry, opts.Config.QueueSize+opts.Config.Threads),
		baseCtx:    baseCtx,
		cancelJobs: cancel,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the executors and the reporter loop.
func (n *Node) Start() error {
	var err error
	n.startOnce.Do(func() {
		if err = n.pool.Start(n.cfg.Threads); err != nil {
			return
		}
		n.wg.Add(1)
		go n.reportLoop()
		n.log.Info("Worker started", "threads", n.cfg.Threads, "queue_size", n.cfg.QueueSize)
	})
	return err
}

// Store is the worker-scoped store shared by all jobs.
func (n *Node) Store() *attr.Map {
	return n.store
}

// Done is closed once the node has been shut down.
func (n *Node) Done() <-chan struct{} {
	return n.stopCh
}

func (n *Node) stopped() bool {
	select {
	case <-n.stopCh:
		return true
	default:
		return false
	}
}

// GetAddress returns the address the worker advertises.
func (n *Node) GetAddress(context.Context) (string, error) {
	return n.address, nil
}

// Ping answers while the worker is running.
func (n *Node) Ping(context.Context) (string, error) {
	if n.stopped() {
		return "", types.ErrWorkerStopped
	}
	return n.address, nil
}

// Submit decodes env, assigns a fresh id and queues the job. It never
// waits for an executor.
func (n *Node) Submit(_ context.Context, env job.Envelope) (types.JobID, error) {
	if n.stopped() {
		return "", types.ErrWorkerStopped
	}
	j, err := n.registry.Unwrap(env)
	if err != nil {
		return "", err
	}

	id := types.NewJobID()
	e := newEntry(n.baseCtx, id, env.Kind)
	n.jobs.Store(id, e)
	n.metrics.RecordSubmitted()

	if err := n.pool.TrySubmit(func() { n.execute(e, j) }); err != nil {
		n.jobs.Delete(id)
		n.metrics.RecordRemoved()
		e.cancel()
		if errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrPoolNotStarted) {
			return "", types.ErrWorkerStopped
		}
		return "", err
	}

	n.log.Debug("Job submitted", "job", id, "kind", env.Kind)
	return id, nil
}

func (n *Node) execute(e *entry, j job.Job) {
	if !e.runnable() {
		return
	}
	jctx := &job.Context{
		Context: e.ctx,
		JobID:   e.id,
		Store:   n.store,
		Results: n.results,
		Logger:  n.log.With("job", e.id, "kind", e.kind),
	}
	res := job.Execute(jctx, j)
	if e.complete(res) {
		n.signal(e)
	}
	e.cancel()
}

func (n *Node) lookup(id types.JobID) (*entry, error) {
	if n.stopped() {
		return nil, types.ErrWorkerStopped
	}
	v, ok := n.jobs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return v.(*entry), nil
}

// Cancel cancels a job that has not completed yet.
func (n *Node) Cancel(_ context.Context, id types.JobID, mayInterrupt bool) (bool, error) {
	e, err := n.lookup(id)
	if err != nil {
		return false, err
	}
	if !e.cancelJob(mayInterrupt) {
		return false, nil
	}
	n.log.Debug("Job cancelled", "job", id, "interrupt", mayInterrupt)
	n.signal(e)
	return true, nil
}

// IsCancelled reports whether job id was cancelled.
func (n *Node) IsCancelled(_ context.Context, id types.JobID) (bool, error) {
	e, err := n.lookup(id)
	if err != nil {
		return false, err
	}
	return e.isCancelled(), nil
}

// IsDone reports whether job id has an outcome.
func (n *Node) IsDone(_ context.Context, id types.JobID) (bool, error) {
	e, err := n.lookup(id)
	if err != nil {
		return false, err
	}
	return e.isDone(), nil
}

// Get blocks until the job completes or ctx ends.
func (n *Node) Get(ctx context.Context, id types.JobID) (types.Result, error) {
	e, err := n.lookup(id)
	if err != nil {
		return types.Result{}, err
	}
	return e.wait(ctx)
}

// Shutdown stops the reporter and the executors. Jobs still running are
// interrupted and never reported. It is idempotent.
func (n *Node) Shutdown(context.Context) error {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.pool.Stop()
		n.cancelJobs()
		n.wg.Wait()
		// Queued jobs will never run; release anyone waiting on them.
		n.jobs.Range(func(_, v any) bool {
			v.(*entry).cancelJob(true)
			return true
		})
		n.log.Info("Worker stopped")
	})
	return nil
}

// Len is the number of entries in the job table.
func (n *Node) Len() int {
	count := 0
	n.jobs.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
