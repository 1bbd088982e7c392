// Package attr provides a typed heterogeneous key/value map. A Key carries
// the type of the values stored under it, so lookups need no assertions at
// the call site.
package attr

import (
	"sort"
	"sync"
)

// Key identifies a value of type T. Two keys are the same key only if they
// are the same *Key value; the name is for display.
type Key[T any] struct {
	name string
}

// NewKey declares a key.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

// String returns the key's name.
func (k *Key[T]) String() string {
	return k.name
}

func (k *Key[T]) keyName() string {
	return k.name
}

type anyKey interface {
	keyName() string
}

// Map is safe for concurrent use. The zero value is ready to use.
type Map struct {
	mu     sync.RWMutex
	values map[anyKey]any
}

// Set stores v under k, replacing any previous value.
func Set[T any](m *Map, k *Key[T], v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[anyKey]any)
	}
	m.values[k] = v
}

// Get returns the value stored under k.
func Get[T any](m *Map, k *Key[T]) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[k]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// GetOr returns the value stored under k or def.
func GetOr[T any](m *Map, k *Key[T], def T) T {
	if v, ok := Get(m, k); ok {
		return v
	}
	return def
}

// SetIfAbsent stores v only if k has no value and returns the value now
// stored under k.
func SetIfAbsent[T any](m *Map, k *Key[T], v T) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.values[k]; ok {
		return cur.(T)
	}
	if m.values == nil {
		m.values = make(map[anyKey]any)
	}
	m.values[k] = v
	return v
}

// Delete removes k and reports whether it was present.
func Delete[T any](m *Map, k *Key[T]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[k]
	delete(m.values, k)
	return ok
}

// Len returns the number of stored values.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Clear removes every value.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = nil
}

// Snapshot returns the stored values by key name, for display.
func (m *Map) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k.keyName()] = v
	}
	return out
}

// Names returns the sorted names of the stored keys.
func (m *Map) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.values))
	for k := range m.values {
		names = append(names, k.keyName())
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}
