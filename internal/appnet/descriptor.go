// Package appnet models applications running on hosts: each Descriptor
// pairs a host with the Manager that knows how to probe, deploy and kill
// the application there, and tracks the last observed state. A Network is
// the ordered set of descriptors the scanners work on.
package appnet

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/fleet-rpc/internal/attr"
	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/LK4D4/trylock"
)

// ProbeResult is what a Manager observed on a host.
type ProbeResult struct {
	State types.ApplicationState
	// Reference addresses the running application; set with RUNNING.
	Reference string
}

// Manager drives one kind of application.
type Manager interface {
	// Name identifies the application kind, e.g. "worker".
	Name() string
	// Probe observes the application. An error means the probe itself
	// could not be carried out; the descriptor keeps its state.
	Probe(ctx context.Context, d *Descriptor) (ProbeResult, error)
	Deploy(ctx context.Context, d *Descriptor) error
	Kill(ctx context.Context, d *Descriptor) error
}

// Listener observes state changes. It runs synchronously on the goroutine
// that made the change.
type Listener func(d *Descriptor, old, new types.ApplicationState)

// Descriptor is one application on one host.
type Descriptor struct {
	host    host.Host
	manager Manager

	state     atomic.Int32
	refMu     sync.RWMutex
	reference string

	// Attributes carries manager specific data.
	Attributes *attr.Map

	autoDeploy atomic.Bool
	autoKill   atomic.Bool
	autoDrop   atomic.Bool

	busy trylock.Mutex

	onChange func(d *Descriptor, old, new types.ApplicationState)
}

// Policy selects what the scanners may do to a descriptor on their own.
type Policy struct {
	AutoDeploy bool
	AutoKill   bool
	AutoDrop   bool
}

// NewDescriptor creates a descriptor in state UNKNOWN.
func NewDescriptor(h host.Host, m Manager, p Policy) *Descriptor {
	d := &Descriptor{host: h, manager: m, Attributes: &attr.Map{}}
	d.state.Store(int32(types.AppUnknown))
	d.SetPolicy(p)
	return d
}

// Key is the descriptor's identity within a network.
func (d *Descriptor) Key() string {
	return d.host.Address() + "/" + d.manager.Name()
}

// Host returns the host the application runs on.
func (d *Descriptor) Host() host.Host {
	return d.host
}

// Manager returns the manager that probes, deploys and kills it.
func (d *Descriptor) Manager() Manager {
	return d.manager
}

// State returns the last observed state.
func (d *Descriptor) State() types.ApplicationState {
	return types.ApplicationState(d.state.Load())
}

// Reference is the address of the running application, if known.
func (d *Descriptor) Reference() string {
	d.refMu.RLock()
	defer d.refMu.RUnlock()
	return d.reference
}

// Policy returns the automatic actions enabled for d.
func (d *Descriptor) Policy() Policy {
	return Policy{
		AutoDeploy: d.autoDeploy.Load(),
		AutoKill:   d.autoKill.Load(),
		AutoDrop:   d.autoDrop.Load(),
	}
}

// SetPolicy replaces the automatic actions enabled for d.
func (d *Descriptor) SetPolicy(p Policy) {
	d.autoDeploy.Store(p.AutoDeploy)
	d.autoKill.Store(p.AutoKill)
	d.autoDrop.Store(p.AutoDrop)
}

// SetState records s and notifies listeners if it differs from the
// current state. It reports whether the state changed.
func (d *Descriptor) SetState(s types.ApplicationState) bool {
	old := types.ApplicationState(d.state.Swap(int32(s)))
	if old == s {
		return false
	}
	if d.onChange != nil {
		d.onChange(d, old, s)
	}
	return true
}

// Apply records a probe result. The reference is cached while RUNNING and
// cleared otherwise.
func (d *Descriptor) Apply(r ProbeResult) bool {
	d.refMu.Lock()
	if r.State == types.AppRunning {
		if r.Reference != "" {
			d.reference = r.Reference
		}
	} else {
		d.reference = ""
	}
	d.refMu.Unlock()
	return d.SetState(r.State)
}

// Probe asks the manager for the current state and applies it.
func (d *Descriptor) Probe(ctx context.Context) (ProbeResult, error) {
	r, err := d.manager.Probe(ctx, d)
	if err != nil {
		return r, err
	}
	d.Apply(r)
	return r, nil
}

// Deploy deploys the application and probes it afterwards.
func (d *Descriptor) Deploy(ctx context.Context) error {
	if err := d.manager.Deploy(ctx, d); err != nil {
		return err
	}
	_, err := d.Probe(ctx)
	return err
}

// Kill kills the application and probes it afterwards.
func (d *Descriptor) Kill(ctx context.Context) error {
	if err := d.manager.Kill(ctx, d); err != nil {
		return err
	}
	_, err := d.Probe(ctx)
	return err
}

// TryAcquire takes the descriptor's single-flight lock without waiting.
func (d *Descriptor) TryAcquire() bool {
	return d.busy.TryLock()
}

// Release gives back the lock taken by TryAcquire.
func (d *Descriptor) Release() {
	d.busy.Unlock()
}
