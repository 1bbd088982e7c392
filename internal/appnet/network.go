package appnet

import (
	"context"
	"sync"

	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Network is an ordered set of descriptors, unique by Key. Iteration
// follows insertion order.
type Network struct {
	mu        sync.RWMutex
	order     []*Descriptor
	byKey     map[string]*Descriptor
	listeners []Listener

	changes *broadcast[struct{}]
	metrics *metrics.Collector
}

// NewNetwork creates an empty network. m may be nil.
func NewNetwork(m *metrics.Collector) *Network {
	return &Network{
		byKey:   make(map[string]*Descriptor),
		changes: newBroadcast[struct{}](),
		metrics: m,
	}
}

// Add inserts d. It reports false, leaving the network unchanged, if a
// descriptor with the same key is already present.
func (n *Network) Add(d *Descriptor) bool {
	n.mu.Lock()
	if _, ok := n.byKey[d.Key()]; ok {
		n.mu.Unlock()
		return false
	}
	d.onChange = n.notify
	n.byKey[d.Key()] = d
	n.order = append(n.order, d)
	n.mu.Unlock()

	n.changes.send(struct{}{})
	return true
}

// Remove drops d. It reports whether d was present.
func (n *Network) Remove(d *Descriptor) bool {
	n.mu.Lock()
	cur, ok := n.byKey[d.Key()]
	if !ok || cur != d {
		n.mu.Unlock()
		return false
	}
	delete(n.byKey, d.Key())
	for i, x := range n.order {
		if x == d {
			n.order = append(n.order[:i:i], n.order[i+1:]...)
			break
		}
	}
	n.mu.Unlock()

	n.changes.send(struct{}{})
	return true
}

// Get returns the descriptor with key.
func (n *Network) Get(key string) (*Descriptor, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.byKey[key]
	return d, ok
}

// Descriptors returns the descriptors in insertion order.
func (n *Network) Descriptors() []*Descriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Descriptor, len(n.order))
	copy(out, n.order)
	return out
}

// InState returns the descriptors currently in state s.
func (n *Network) InState(s types.ApplicationState) []*Descriptor {
	var out []*Descriptor
	for _, d := range n.Descriptors() {
		if d.State() == s {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of descriptors.
func (n *Network) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.order)
}

// AddListener registers l for every state change in the network.
func (n *Network) AddListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Network) notify(d *Descriptor, old, new types.ApplicationState) {
	n.metrics.RecordTransition(old.String(), new.String())

	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		l(d, old, new)
	}
	n.changes.send(struct{}{})
}

// AwaitAny blocks until some descriptor is in state s and returns the
// first one in network order.
func (n *Network) AwaitAny(ctx context.Context, s types.ApplicationState) (*Descriptor, error) {
	var found *Descriptor
	err := n.await(ctx, func() bool {
		if ds := n.InState(s); len(ds) > 0 {
			found = ds[0]
			return true
		}
		return false
	})
	return found, err
}

// AwaitAll blocks until every descriptor is in state s. An empty network
// satisfies it at once.
func (n *Network) AwaitAll(ctx context.Context, s types.ApplicationState) error {
	return n.await(ctx, func() bool {
		for _, d := range n.Descriptors() {
			if d.State() != s {
				return false
			}
		}
		return true
	})
}

func (n *Network) await(ctx context.Context, cond func() bool) error {
	c := n.changes.subscribe()
	defer c.Close()

	for {
		if cond() {
			return nil
		}
		select {
		case <-c.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
