// ============================================================================
// Fleet Worker Pool - bounded job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// A fixed number of executor goroutines drain a buffered task channel:
//
//   Submit(task) --TrySubmit--> taskCh --> executor 1..N --> task()
//
// TrySubmit never blocks. When the backlog (the channel buffer) is full it
// fails with types.ErrQueueFull so that the Submit RPC returns at once.
//
// Lifecycle:
//   1. newPool(queueSize)
//   2. Start(n) starts n executors
//   3. TrySubmit(task)
//   4. Stop() closes stopCh; executors exit after their current task and
//      queued tasks are dropped. Stop does not wait for running tasks.
//
// taskCh is never closed, so a TrySubmit racing with Stop cannot send on
// a closed channel; the mutex orders the stopped check and the send.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

var (
	// ErrPoolClosed is returned by TrySubmit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by TrySubmit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

type task func()

// pool runs tasks on a fixed set of goroutines.
type pool struct {
	taskCh  chan task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	size    int
	started bool
	stopped bool
	mu      sync.Mutex
}

func newPool(queueSize int) *pool {
	return &pool{
		taskCh: make(chan task, queueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches n executors.
func (p *pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	p.size = n
	p.started = true
	return nil
}

func (p *pool) run() {
	for {
		// Prefer stopping over picking up more queued work.
		select {
		case <-p.stopCh:
			return
		default:
		}
		select {
		case t := <-p.taskCh:
			t()
		case <-p.stopCh:
			return
		}
	}
}

// TrySubmit queues t without blocking.
func (p *pool) TrySubmit(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- t:
		return nil
	default:
		return types.ErrQueueFull
	}
}

// Stop signals the executors to exit. It is idempotent.
func (p *pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
}

// Wait blocks until every executor has exited.
func (p *pool) Wait() {
	p.wg.Wait()
}

// Size is the number of executors.
func (p *pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Queued is the number of tasks waiting for an executor.
func (p *pool) Queued() int {
	return len(p.taskCh)
}
