package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Deployment stages reported in DeployError.
const (
	StageUpload   = "upload"
	StageLaunch   = "launch"
	StageRegister = "register"
)

// DeployError is the failure to bring up a worker on one host.
type DeployError struct {
	Host  string
	Stage string
	Err   error
}

// Error describes the host and stage that failed.
func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy to %s failed at %s: %v", e.Host, e.Stage, e.Err)
}

// Unwrap returns the underlying failure.
func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is makes every DeployError match types.ErrDeploy.
func (e *DeployError) Is(target error) bool {
	return target == types.ErrDeploy
}

// DeployReport is the outcome of DeployWorkersOnHosts. Handles and
// Failures keep the order hosts were added in.
type DeployReport struct {
	Handles  []*WorkerHandle
	Failures []*DeployError
}

// DeployWorkersOnHosts deploys a worker to every added host, at most
// coordinator.deploy_concurrency at a time. Hosts fail independently; an
// error is returned only when every host failed.
func (n *Node) DeployWorkersOnHosts(ctx context.Context) (DeployReport, error) {
	n.hostsMu.Lock()
	n.deployed = true
	hosts := append([]host.Host(nil), n.hosts...)
	n.hostsMu.Unlock()

	handles := make([]*WorkerHandle, len(hosts))
	failures := make([]*DeployError, len(hosts))

	var g errgroup.Group
	g.SetLimit(max(n.cfg.DeployConcurrency, 1))
	for i, h := range hosts {
		g.Go(func() error {
			handle, err := n.DeployWorkerOnHost(ctx, h)
			if err != nil {
				var de *DeployError
				if !errors.As(err, &de) {
					de = &DeployError{Host: h.Address(), Stage: StageLaunch, Err: err}
				}
				failures[i] = de
				return nil
			}
			handles[i] = handle
			return nil
		})
	}
	_ = g.Wait()

	var report DeployReport
	var all *multierror.Error
	for i := range hosts {
		if handles[i] != nil {
			report.Handles = append(report.Handles, handles[i])
		}
		if failures[i] != nil {
			report.Failures = append(report.Failures, failures[i])
			all = multierror.Append(all, failures[i])
		}
	}

	n.logger.Info("Deployment finished",
		"hosts", len(hosts),
		"workers", len(report.Handles),
		"failures", len(report.Failures))

	if len(hosts) > 0 && len(report.Handles) == 0 {
		return report, all.ErrorOrNil()
	}
	return report, nil
}

// WorkerAddress is the address a worker deployed on h listens on.
func (n *Node) WorkerAddress(h host.Host) string {
	return net.JoinHostPort(h.Hostname(), strconv.Itoa(n.cfg.WorkerPort))
}

// DeployWorkerOnHost uploads the payload to h, launches a worker there and
// waits up to coordinator.deploy_timeout for it to register. A launched
// worker that does not register in time is killed.
func (n *Node) DeployWorkerOnHost(ctx context.Context, h host.Host) (*WorkerHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.DeployTimeout)
	defer cancel()

	start := time.Now()
	address := n.WorkerAddress(h)
	logger := n.logger.With("host", h.Address(), "worker", address)

	fail := func(stage string, err error) (*WorkerHandle, error) {
		n.metrics.RecordDeployment(false)
		logger.Warn("Deployment failed", "stage", stage, "error", err)
		return nil, &DeployError{Host: h.Address(), Stage: stage, Err: err}
	}

	if len(n.cfg.Payload) > 0 {
		if err := h.Upload(ctx, n.cfg.Payload, n.cfg.RemoteDir); err != nil {
			return fail(StageUpload, err)
		}
	}

	wait := n.expect(address, h)
	defer n.unexpect(address, wait)

	binary := path.Join(n.cfg.RemoteDir, n.cfg.Binary)
	proc, err := h.Execute(ctx, binary, "worker",
		"--listen", address,
		"--advertise", address,
		"--coordinator", n.address)
	if err != nil {
		return fail(StageLaunch, err)
	}
	n.launched(wait, proc)

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	var stage string
	select {
	case <-wait.registered:
	case err = <-exited:
		stage = StageLaunch
		if err == nil {
			err = errors.New("worker exited before registering")
		}
	case <-ctx.Done():
		// Register may have won the race with the deadline.
		select {
		case <-wait.registered:
		default:
			stage, err = StageRegister, ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: no registration within %s", types.ErrTimeout, n.cfg.DeployTimeout)
			}
		}
	}
	if stage != "" {
		n.abandon(address, wait, proc)
		return fail(stage, err)
	}

	handle, ok := n.workers.attach(address, h, proc)
	if !ok {
		// Killed between Register and here.
		_ = proc.Kill()
		return fail(StageRegister, fmt.Errorf("%w: %s removed during deployment", types.ErrWorkerNotFound, address))
	}
	n.persist()
	n.metrics.RecordDeployment(true)
	logger.Info("Worker deployed", "duration", time.Since(start))
	return handle, nil
}

// pending is a deployment waiting for its worker to register.
type pending struct {
	registered chan struct{}
	host       host.Host
	proc       host.Process
}

// expect records a deployment to address on h. Its registered channel is
// closed when the worker registers.
func (n *Node) expect(address string, h host.Host) *pending {
	n.waitMu.Lock()
	defer n.waitMu.Unlock()
	p := &pending{registered: make(chan struct{}), host: h}
	n.waiting[address] = p
	return p
}

func (n *Node) launched(p *pending, proc host.Process) {
	n.waitMu.Lock()
	defer n.waitMu.Unlock()
	p.proc = proc
}

func (n *Node) unexpect(address string, p *pending) {
	n.waitMu.Lock()
	defer n.waitMu.Unlock()
	if cur, ok := n.waiting[address]; ok && cur == p {
		delete(n.waiting, address)
	}
}

// abandon kills a worker whose deployment failed. A registration that
// slipped in before the failure was noticed is undone.
func (n *Node) abandon(address string, p *pending, proc host.Process) {
	_ = proc.Kill()
	n.unexpect(address, p)
	if n.workers.removeProcess(address, proc) {
		n.conns.Forget(address)
		n.metrics.SetWorkers(n.workers.len())
		n.persist()
	}
}
