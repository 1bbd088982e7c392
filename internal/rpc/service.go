// Package rpc carries the worker and coordinator services over gRPC.
//
// The services are declared by hand (see worker_service.go and
// coordinator_service.go) and use the CBOR codec from internal/codec, so no
// generated code is involved. Each side is described by small capability
// interfaces that the in-process implementation and the gRPC client both
// satisfy.
package rpc

import (
	"context"

	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Pingable answers reachability checks with the node's own address.
type Pingable interface {
	Ping(ctx context.Context) (string, error)
}

// Submitter accepts jobs.
type Submitter interface {
	Submit(ctx context.Context, env job.Envelope) (types.JobID, error)
}

// Completable exposes completion and results of submitted jobs.
type Completable interface {
	IsDone(ctx context.Context, id types.JobID) (bool, error)
	Get(ctx context.Context, id types.JobID) (types.Result, error)
}

// Cancellable cancels submitted jobs.
type Cancellable interface {
	Cancel(ctx context.Context, id types.JobID, mayInterrupt bool) (bool, error)
	IsCancelled(ctx context.Context, id types.JobID) (bool, error)
}

// Stoppable shuts a node down.
type Stoppable interface {
	Shutdown(ctx context.Context) error
}

// WorkerService is everything a worker exposes.
type WorkerService interface {
	Pingable
	Submitter
	Completable
	Cancellable
	Stoppable
	GetAddress(ctx context.Context) (string, error)
}

// CompletionListener receives job outcomes pushed by workers.
type CompletionListener interface {
	NotifyCompletion(ctx context.Context, worker string, id types.JobID, value []byte) error
	NotifyException(ctx context.Context, worker string, id types.JobID, jobErr *types.JobError) error
}

// Registrar accepts the startup registration of a worker.
type Registrar interface {
	Register(ctx context.Context, address string) error
}

// CoordinatorService is everything a coordinator exposes to workers.
type CoordinatorService interface {
	Pingable
	Registrar
	CompletionListener
}
