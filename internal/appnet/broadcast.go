package appnet

import (
	"sync"

	"github.com/google/uuid"
)

// consumer receives events from a broadcast.
type consumer[E any] struct {
	C  chan E
	id string
	bc *broadcast[E]
}

// broadcast fans events out to its consumers. Sends never block: a
// consumer with a full channel misses the event, so consumers must treat
// events as wake-ups and re-check the condition they wait for.
type broadcast[E any] struct {
	mu        sync.RWMutex
	consumers map[string]*consumer[E]
}

func newBroadcast[E any]() *broadcast[E] {
	return &broadcast[E]{consumers: map[string]*consumer[E]{}}
}

func (bc *broadcast[E]) subscribe() *consumer[E] {
	c := &consumer[E]{C: make(chan E, 1), id: uuid.NewString(), bc: bc}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.consumers[c.id] = c
	return c
}

func (bc *broadcast[E]) send(e E) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for _, c := range bc.consumers {
		select {
		case c.C <- e:
		default:
		}
	}
}

func (c *consumer[E]) Close() {
	c.bc.mu.Lock()
	defer c.bc.mu.Unlock()
	delete(c.bc.consumers, c.id)
}
