package coordinator

import (
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// WorkerHandle is a worker known to the coordinator. Handles are never
// modified once stored in the registry; a merge stores a new handle.
type WorkerHandle struct {
	Address string
	// Host the worker was deployed to; nil for workers that registered on
	// their own or were adopted from a snapshot.
	Host host.Host
	// Process is set when this coordinator launched the worker.
	Process host.Process

	RegisteredAt time.Time
}

// Managed reports whether the coordinator launched the worker itself.
func (h *WorkerHandle) Managed() bool {
	return h.Process != nil
}

func (h *WorkerHandle) record() types.WorkerRecord {
	r := types.WorkerRecord{Address: h.Address, Managed: h.Managed()}
	if h.Host != nil {
		r.Host = h.Host.Address()
	}
	return r
}

// registry is the set of workers keyed by address. Listing is sorted by
// address.
type registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerHandle
}

func newRegistry() *registry {
	return &registry{workers: make(map[string]*WorkerHandle)}
}

// upsert adds h or merges it into the existing handle for its address,
// keeping host and process information already known. It reports whether
// the address was new.
func (r *registry) upsert(h *WorkerHandle) (*WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.workers[h.Address]
	if !ok {
		added := *h
		if added.RegisteredAt.IsZero() {
			added.RegisteredAt = time.Now()
		}
		r.workers[h.Address] = &added
		return &added, true
	}
	return r.merge(cur, h.Host, h.Process), false
}

// attach records the host and process of a worker that is already
// registered. It reports false if the worker is gone.
func (r *registry) attach(address string, h host.Host, p host.Process) (*WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.workers[address]
	if !ok {
		return nil, false
	}
	return r.merge(cur, h, p), true
}

// merge must be called with mu held.
func (r *registry) merge(cur *WorkerHandle, h host.Host, p host.Process) *WorkerHandle {
	if (h == nil || h == cur.Host) && (p == nil || p == cur.Process) {
		return cur
	}
	next := *cur
	if h != nil {
		next.Host = h
	}
	if p != nil {
		next.Process = p
	}
	r.workers[cur.Address] = &next
	return &next
}

func (r *registry) get(address string) (*WorkerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.workers[address]
	return h, ok
}

func (r *registry) remove(address string) (*WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[address]
	if ok {
		delete(r.workers, address)
	}
	return h, ok
}

// removeProcess removes the worker at address if it runs as p.
func (r *registry) removeProcess(address string, p host.Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[address]
	if !ok || h.Process != p {
		return false
	}
	delete(r.workers, address)
	return true
}

func (r *registry) list() []*WorkerHandle {
	r.mu.RLock()
	out := make([]*WorkerHandle, 0, len(r.workers))
	for _, h := range r.workers {
		out = append(out, h)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *WorkerHandle) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
