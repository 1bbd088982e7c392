package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/internal/snapshot"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
)

// killTimeout bounds the Shutdown RPC sent to a worker.
const killTimeout = 5 * time.Second

// KillWorker shuts the worker at address down and forgets it. A worker
// that cannot be reached counts as stopped; if this coordinator launched
// it, its process is killed as well. Jobs of the worker still waiting for
// an outcome fail with an RPC error.
func (n *Node) KillWorker(ctx context.Context, address string) error {
	h, ok := n.workers.get(address)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrWorkerNotFound, address)
	}
	logger := n.logger.With("worker", address)

	if err := n.shutdownWorker(ctx, address); err != nil {
		logger.Warn("Shutdown RPC failed, treating worker as gone", "error", err)
		if h.Process != nil {
			if kerr := h.Process.Kill(); kerr != nil {
				logger.Warn("Failed to kill worker process", "error", kerr)
			}
		}
	}

	failed := n.shadows.failWorker(address, &rpc.Error{
		Op:      "Get",
		Address: address,
		Code:    codes.Unavailable,
		Err:     types.ErrWorkerStopped,
	})
	n.workers.remove(address)
	n.conns.Forget(address)
	n.metrics.SetWorkers(n.workers.len())
	n.persist()

	logger.Info("Worker killed", "pending_jobs_failed", failed)
	return nil
}

func (n *Node) shutdownWorker(ctx context.Context, address string) error {
	client, err := n.conns.Worker(address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	return client.Shutdown(ctx)
}

// KillAllWorkers kills every registered worker concurrently.
func (n *Node) KillAllWorkers(ctx context.Context) error {
	handles := n.workers.list()

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	var g errgroup.Group
	g.SetLimit(max(n.cfg.DeployConcurrency, 1))
	for _, h := range handles {
		g.Go(func() error {
			err := n.KillWorker(ctx, h.Address)
			if err != nil && !errors.Is(err, types.ErrWorkerNotFound) {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	n.logger.Info("All workers killed", "count", len(handles))
	return result.ErrorOrNil()
}

// Adopt loads the registry snapshot and registers every recorded worker
// that still answers a ping. It returns the number adopted.
func (n *Node) Adopt(ctx context.Context) (int, error) {
	if n.snapshots == nil {
		return 0, nil
	}
	snap, err := n.snapshots.Load()
	if err != nil {
		return 0, err
	}
	return n.adopt(ctx, snap), nil
}

func (n *Node) adopt(ctx context.Context, snap types.RegistrySnapshot) int {
	adopted := 0
	for _, rec := range snap.Workers {
		if !n.alive(ctx, rec.Address) {
			n.logger.Info("Recorded worker is gone", "worker", rec.Address)
			n.conns.Forget(rec.Address)
			continue
		}
		if _, added := n.workers.upsert(&WorkerHandle{Address: rec.Address}); added {
			adopted++
			n.logger.Info("Worker adopted", "worker", rec.Address, "host", rec.Host)
		}
	}
	n.metrics.SetWorkers(n.workers.len())
	n.persist()
	return adopted
}

func (n *Node) alive(ctx context.Context, address string) bool {
	client, err := n.conns.Worker(address)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	_, err = client.Ping(ctx)
	return err == nil
}

// KillRecorded shuts down the workers listed in the snapshot at m without
// a running coordinator, then removes the snapshot. Unreachable workers
// are skipped.
func KillRecorded(ctx context.Context, m *snapshot.Manager, conns *rpc.Pool) (int, error) {
	snap, err := m.Load()
	if err != nil {
		return 0, err
	}

	stopped := 0
	var result *multierror.Error
	for _, rec := range snap.Workers {
		client, err := conns.Worker(rec.Address)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, killTimeout)
		err = client.Shutdown(cctx)
		cancel()
		if err != nil {
			if !errors.Is(err, types.ErrRPC) {
				result = multierror.Append(result, err)
			}
			continue
		}
		stopped++
	}
	if err := m.Remove(); err != nil {
		result = multierror.Append(result, err)
	}
	return stopped, result.ErrorOrNil()
}
