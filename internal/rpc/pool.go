package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
)

// Pool caches one client connection per peer address. Connections are
// created lazily and live until Forget or Close.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewPool creates a pool dialing with o's options followed by extra.
func NewPool(o *Options, extra ...grpc.DialOption) *Pool {
	return &Pool{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append(o.DialOptions(), extra...),
	}
}

func (p *Pool) conn(address string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns == nil {
		return nil, errors.New("rpc pool closed")
	}
	if cc, ok := p.conns[address]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient("passthrough:///"+address, p.opts...)
	if err != nil {
		return nil, &Error{Op: "dial", Address: address, Err: fmt.Errorf("failed to dial peer: %w", err)}
	}
	p.conns[address] = cc
	return cc, nil
}

// Worker returns a client for the worker listening on address.
func (p *Pool) Worker(address string) (*WorkerClient, error) {
	cc, err := p.conn(address)
	if err != nil {
		return nil, err
	}
	return NewWorkerClient(cc, address), nil
}

// Coordinator returns a client for the coordinator listening on address.
func (p *Pool) Coordinator(address string) (*CoordinatorClient, error) {
	cc, err := p.conn(address)
	if err != nil {
		return nil, err
	}
	return NewCoordinatorClient(cc, address), nil
}

// Result fetches the result of job id from the worker at address. It
// blocks until the job finishes or ctx ends.
func (p *Pool) Result(ctx context.Context, address string, id types.JobID) (types.Result, error) {
	w, err := p.Worker(address)
	if err != nil {
		return types.Result{}, err
	}
	return w.Get(ctx, id)
}

// Forget closes and drops the connection to address, if any.
func (p *Pool) Forget(address string) {
	p.mu.Lock()
	cc, ok := p.conns[address]
	delete(p.conns, address)
	p.mu.Unlock()
	if ok {
		_ = cc.Close()
	}
}

// Close closes every cached connection. The pool is unusable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var result *multierror.Error
	for addr, cc := range conns {
		if err := cc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	return result.ErrorOrNil()
}
