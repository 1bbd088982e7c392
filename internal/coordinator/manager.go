package coordinator

import (
	"context"
	"errors"
	"slices"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/attr"
	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// WorkerAddressKey holds the address of the worker deployed for a
// descriptor.
var WorkerAddressKey = attr.NewKey[string]("worker.address")

// WorkerApp is the appnet.Manager for fleet workers.
type WorkerApp struct {
	node      *Node
	platforms []string
}

var _ appnet.Manager = (*WorkerApp)(nil)

// NewWorkerApp manages workers through n. When platforms is non-empty,
// hosts of other platforms are INVALID.
func NewWorkerApp(n *Node, platforms []string) *WorkerApp {
	return &WorkerApp{node: n, platforms: platforms}
}

// Name identifies the manager in descriptor keys.
func (a *WorkerApp) Name() string {
	return "worker"
}

func (a *WorkerApp) address(d *appnet.Descriptor) string {
	if addr, ok := attr.Get(d.Attributes, WorkerAddressKey); ok && addr != "" {
		return addr
	}
	return a.node.WorkerAddress(d.Host())
}

// Probe reports RUNNING when the worker answers a ping, otherwise the
// state of the host. Unreachability is a state, not an error.
func (a *WorkerApp) Probe(ctx context.Context, d *appnet.Descriptor) (appnet.ProbeResult, error) {
	addr := a.address(d)
	if client, err := a.node.conns.Worker(addr); err == nil {
		if _, err := client.Ping(ctx); err == nil {
			return appnet.ProbeResult{State: types.AppRunning, Reference: addr}, nil
		}
		// Do not keep a connection in backoff for the next probe.
		a.node.conns.Forget(addr)
	}
	if ctx.Err() != nil {
		return appnet.ProbeResult{}, ctx.Err()
	}

	if !host.Reachable(ctx, d.Host()) {
		if ctx.Err() != nil {
			return appnet.ProbeResult{}, ctx.Err()
		}
		return appnet.ProbeResult{State: types.AppUnreachable}, nil
	}
	if len(a.platforms) > 0 {
		p, err := d.Host().Platform(ctx)
		if err != nil {
			return appnet.ProbeResult{}, err
		}
		if !slices.Contains(a.platforms, p) {
			return appnet.ProbeResult{State: types.AppInvalid}, nil
		}
	}
	return appnet.ProbeResult{State: types.AppAuth}, nil
}

// Deploy launches a worker on the descriptor's host.
func (a *WorkerApp) Deploy(ctx context.Context, d *appnet.Descriptor) error {
	h, err := a.node.DeployWorkerOnHost(ctx, d.Host())
	if err != nil {
		return err
	}
	attr.Set(d.Attributes, WorkerAddressKey, h.Address)
	return nil
}

// Kill shuts down the worker running on the descriptor's host.
func (a *WorkerApp) Kill(ctx context.Context, d *appnet.Descriptor) error {
	addr := a.address(d)
	err := a.node.KillWorker(ctx, addr)
	if errors.Is(err, types.ErrWorkerNotFound) {
		// Running but not registered here, e.g. left by an earlier
		// coordinator.
		err = a.node.shutdownWorker(ctx, addr)
		a.node.conns.Forget(addr)
		if errors.Is(err, types.ErrRPC) {
			err = nil
		}
	}
	if err != nil {
		return err
	}
	attr.Delete(d.Attributes, WorkerAddressKey)
	return nil
}
