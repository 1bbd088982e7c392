// ============================================================================
// Fleet Coordinator - deploys workers and collects job outcomes
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
//
// A Node owns:
//   - the hosts to deploy to (collected until the first deployment)
//   - the registry of workers, keyed and listed by address
//   - the completion table: one shadow per submitted job, settled by the
//     worker's NotifyCompletion/NotifyException push
//
// Flow of a job:
//
//   Submit(addr, job) --Submit RPC--> worker
//        |                              |
//        v                              v
//   Direct future <-- shadow <-- NotifyCompletion / NotifyException
//
// A notification may arrive before the submitter claims the shadow; it is
// kept for the submitter. Settled shadows nobody claims are dropped after
// coordinator.orphan_ttl.
//
// Shutdown closes the coordinator's connections and stops its server. It
// leaves workers running; KillWorker / KillAllWorkers stop them.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/future"
	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/internal/snapshot"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Options configures a Node.
type Options struct {
	Config config.Coordinator
	// Address workers are told to dial back; defaults to
	// Config.AdvertiseAddress().
	Address  string
	Registry *job.Registry
	// Conns dials workers. The Node closes it on Shutdown.
	Conns     *rpc.Pool
	Snapshots *snapshot.Manager // nil disables persistence
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Node is the coordinator.
type Node struct {
	cfg       config.Coordinator
	address   string
	jobs      *job.Registry
	conns     *rpc.Pool
	snapshots *snapshot.Manager
	metrics   *metrics.Collector
	logger    *slog.Logger

	hostsMu  sync.Mutex
	hosts    []host.Host
	deployed bool

	workers *registry
	shadows completions

	waitMu  sync.Mutex
	waiting map[string]*pending // deployments waiting for Register

	persistMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWg   sync.WaitGroup
	started  bool
}

var _ rpc.CoordinatorService = (*Node)(nil)

// NewNode creates a coordinator. Call Start to run its maintenance loop.
func NewNode(opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = job.DefaultRegistry
	}
	conns := opts.Conns
	if conns == nil {
		conns = rpc.NewPool(nil)
	}
	address := opts.Address
	if address == "" {
		address = opts.Config.AdvertiseAddress()
	}

	return &Node{
		cfg:       opts.Config,
		address:   address,
		jobs:      reg,
		conns:     conns,
		snapshots: opts.Snapshots,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "coordinator"),
		workers:   newRegistry(),
		waiting:   make(map[string]*pending),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the orphan sweep loop.
func (n *Node) Start() {
	n.hostsMu.Lock()
	defer n.hostsMu.Unlock()
	if n.started {
		return
	}
	n.started = true

	n.loopWg.Add(1)
	go n.sweepLoop()
}

// Address is the address workers reach this coordinator at.
func (n *Node) Address() string {
	return n.address
}

// Conns is the coordinator's connection pool to workers.
func (n *Node) Conns() *rpc.Pool {
	return n.conns
}

// AddHost records a host to deploy to. Hosts can only be added before
// DeployWorkersOnHosts runs.
func (n *Node) AddHost(h host.Host) error {
	n.hostsMu.Lock()
	defer n.hostsMu.Unlock()
	if n.deployed {
		return types.ErrAlreadyDeployed
	}
	n.hosts = append(n.hosts, h)
	return nil
}

// Hosts returns the hosts added so far.
func (n *Node) Hosts() []host.Host {
	n.hostsMu.Lock()
	defer n.hostsMu.Unlock()
	return append([]host.Host(nil), n.hosts...)
}

// Workers lists the registered workers sorted by address.
func (n *Node) Workers() []*WorkerHandle {
	return n.workers.list()
}

// Worker looks up a registered worker.
func (n *Node) Worker(address string) (*WorkerHandle, error) {
	h, ok := n.workers.get(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrWorkerNotFound, address)
	}
	return h, nil
}

// ============================================================================
// Inbound RPC
// ============================================================================

// Ping answers a worker checking that the coordinator is reachable.
func (n *Node) Ping(context.Context) (string, error) {
	return n.address, nil
}

// Register records a worker that came up. A deployment waiting for the
// address is released, and the worker is recorded with the host and
// process of that deployment.
func (n *Node) Register(_ context.Context, address string) error {
	if address == "" {
		return errors.New("register: empty worker address")
	}

	n.waitMu.Lock()
	handle := &WorkerHandle{Address: address}
	p, waited := n.waiting[address]
	if waited {
		handle.Host, handle.Process = p.host, p.proc
	}
	_, added := n.workers.upsert(handle)
	if waited {
		close(p.registered)
		delete(n.waiting, address)
	}
	n.waitMu.Unlock()

	if added {
		// A connection left from an earlier worker at this address may be
		// in reconnect backoff.
		n.conns.Forget(address)
		n.logger.Info("Worker registered", "address", address)
		n.metrics.SetWorkers(n.workers.len())
		n.persist()
	}
	return nil
}

// NotifyCompletion resolves the job id of worker with its encoded value.
func (n *Node) NotifyCompletion(_ context.Context, worker string, id types.JobID, value []byte) error {
	n.deliver(worker, id, types.Ok(value))
	return nil
}

// NotifyException resolves the job id of worker with the job's failure.
func (n *Node) NotifyException(_ context.Context, worker string, id types.JobID, jobErr *types.JobError) error {
	if jobErr == nil {
		jobErr = &types.JobError{Message: "unknown failure"}
	}
	n.deliver(worker, id, types.Failed(jobErr))
	return nil
}

func (n *Node) deliver(worker string, id types.JobID, res types.Result) {
	if !n.shadows.resolve(worker, id, res) {
		n.logger.Debug("Late notification ignored", "worker", worker, "job_id", id)
		return
	}
	n.logger.Debug("Job outcome received", "worker", worker, "job_id", id, "state", res.State())
}

// ============================================================================
// Jobs
// ============================================================================

// Submit sends j to the worker at address and returns a future for it.
func (n *Node) Submit(ctx context.Context, address string, j job.Job) (*future.Direct, error) {
	env, err := n.jobs.Wrap(j)
	if err != nil {
		return nil, err
	}
	return n.SubmitEnvelope(ctx, address, env)
}

// SubmitEnvelope sends an already encoded job.
func (n *Node) SubmitEnvelope(ctx context.Context, address string, env job.Envelope) (*future.Direct, error) {
	if _, err := n.Worker(address); err != nil {
		return nil, err
	}
	client, err := n.conns.Worker(address)
	if err != nil {
		return nil, err
	}
	id, err := client.Submit(ctx, env)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("Job submitted", "worker", address, "job_id", id, "kind", env.Kind)
	return future.NewDirect(id, address, client, n.shadows.claim(address, id)), nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Shutdown stops the maintenance loop and closes worker connections.
// Workers keep running.
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.loopWg.Wait()
		err = n.conns.Close()
		n.logger.Info("Coordinator shut down", "workers", n.workers.len())
	})
	return err
}

func (n *Node) sweepLoop() {
	defer n.loopWg.Done()

	interval := n.cfg.OrphanTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case now := <-ticker.C:
			n.sweepOrphans(now)
		}
	}
}

func (n *Node) sweepOrphans(now time.Time) int {
	dropped := n.shadows.sweep(now, n.cfg.OrphanTTL)
	for i := 0; i < dropped; i++ {
		n.metrics.RecordOrphan()
	}
	if dropped > 0 {
		n.logger.Warn("Dropped unclaimed job outcomes", "count", dropped, "ttl", n.cfg.OrphanTTL)
	}
	return dropped
}

// persist writes the registry snapshot. Failures are logged.
func (n *Node) persist() {
	if n.snapshots == nil {
		return
	}
	n.persistMu.Lock()
	defer n.persistMu.Unlock()

	handles := n.workers.list()
	snap := types.RegistrySnapshot{
		Coordinator: n.address,
		Workers:     make([]types.WorkerRecord, 0, len(handles)),
	}
	for _, h := range handles {
		snap.Workers = append(snap.Workers, h.record())
	}
	if err := n.snapshots.Write(snap); err != nil {
		n.logger.Error("Failed to write registry snapshot", "path", n.snapshots.Path(), "error", err)
	}
}
