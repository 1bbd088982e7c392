package rpc

import (
	"context"

	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"google.golang.org/grpc"
)

const workerServiceName = "fleet.v1.Worker"

// WorkerServiceDesc describes the worker service. The registered
// implementation must satisfy WorkerService.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerServiceName,
	HandlerType: (*WorkerService)(nil),
	Methods: []grpc.MethodDesc{
		unary(workerServiceName, "GetAddress", func(srv any, ctx context.Context, _ *Empty) (*AddressReply, error) {
			addr, err := srv.(WorkerService).GetAddress(ctx)
			if err != nil {
				return nil, toStatus(err, "")
			}
			return &AddressReply{Address: addr}, nil
		}),
		unary(workerServiceName, "Ping", func(srv any, ctx context.Context, _ *Empty) (*AddressReply, error) {
			addr, err := srv.(WorkerService).Ping(ctx)
			if err != nil {
				return nil, toStatus(err, "")
			}
			return &AddressReply{Address: addr}, nil
		}),
		unary(workerServiceName, "Submit", func(srv any, ctx context.Context, req *SubmitRequest) (*SubmitReply, error) {
			id, err := srv.(WorkerService).Submit(ctx, req.Envelope)
			if err != nil {
				return nil, toStatus(err, "")
			}
			return &SubmitReply{JobID: id}, nil
		}),
		unary(workerServiceName, "Cancel", func(srv any, ctx context.Context, req *CancelRequest) (*BoolReply, error) {
			ok, err := srv.(WorkerService).Cancel(ctx, req.JobID, req.MayInterrupt)
			if err != nil {
				return nil, toStatus(err, req.JobID)
			}
			return &BoolReply{Value: ok}, nil
		}),
		unary(workerServiceName, "IsCancelled", func(srv any, ctx context.Context, req *JobRequest) (*BoolReply, error) {
			ok, err := srv.(WorkerService).IsCancelled(ctx, req.JobID)
			if err != nil {
				return nil, toStatus(err, req.JobID)
			}
			return &BoolReply{Value: ok}, nil
		}),
		unary(workerServiceName, "IsDone", func(srv any, ctx context.Context, req *JobRequest) (*BoolReply, error) {
			ok, err := srv.(WorkerService).IsDone(ctx, req.JobID)
			if err != nil {
				return nil, toStatus(err, req.JobID)
			}
			return &BoolReply{Value: ok}, nil
		}),
		unary(workerServiceName, "Get", func(srv any, ctx context.Context, req *JobRequest) (*GetReply, error) {
			res, err := srv.(WorkerService).Get(ctx, req.JobID)
			if err != nil {
				return nil, toStatus(err, req.JobID)
			}
			return &GetReply{Result: res}, nil
		}),
		unary(workerServiceName, "Shutdown", func(srv any, ctx context.Context, _ *Empty) (*Empty, error) {
			if err := srv.(WorkerService).Shutdown(ctx); err != nil {
				return nil, toStatus(err, "")
			}
			return &Empty{}, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/v1/worker",
}

// RegisterWorkerService exposes svc on s.
func RegisterWorkerService(s grpc.ServiceRegistrar, svc WorkerService) {
	s.RegisterService(&WorkerServiceDesc, svc)
}

// WorkerClient calls a remote worker. It satisfies WorkerService.
type WorkerClient struct {
	cc      grpc.ClientConnInterface
	address string
}

// NewWorkerClient wraps an established connection to the worker at address.
func NewWorkerClient(cc grpc.ClientConnInterface, address string) *WorkerClient {
	return &WorkerClient{cc: cc, address: address}
}

// Address is the address the client was created for.
func (c *WorkerClient) Address() string {
	return c.address
}

// GetAddress asks the worker for the address it advertises.
func (c *WorkerClient) GetAddress(ctx context.Context) (string, error) {
	out, err := invoke[Empty, AddressReply](ctx, c.cc, workerServiceName, "GetAddress", &Empty{})
	if err != nil {
		return "", fromStatus("GetAddress", c.address, err)
	}
	return out.Address, nil
}

// Ping checks that the worker answers and returns its address.
func (c *WorkerClient) Ping(ctx context.Context) (string, error) {
	out, err := invoke[Empty, AddressReply](ctx, c.cc, workerServiceName, "Ping", &Empty{})
	if err != nil {
		return "", fromStatus("Ping", c.address, err)
	}
	return out.Address, nil
}

// Submit queues env on the worker and returns the new job id.
func (c *WorkerClient) Submit(ctx context.Context, env job.Envelope) (types.JobID, error) {
	out, err := invoke[SubmitRequest, SubmitReply](ctx, c.cc, workerServiceName, "Submit", &SubmitRequest{Envelope: env})
	if err != nil {
		return "", fromStatus("Submit", c.address, err)
	}
	return out.JobID, nil
}

// Cancel cancels job id, interrupting it if mayInterrupt is set.
func (c *WorkerClient) Cancel(ctx context.Context, id types.JobID, mayInterrupt bool) (bool, error) {
	out, err := invoke[CancelRequest, BoolReply](ctx, c.cc, workerServiceName, "Cancel", &CancelRequest{JobID: id, MayInterrupt: mayInterrupt})
	if err != nil {
		return false, fromStatus("Cancel", c.address, err)
	}
	return out.Value, nil
}

// IsCancelled reports whether job id was cancelled.
func (c *WorkerClient) IsCancelled(ctx context.Context, id types.JobID) (bool, error) {
	out, err := invoke[JobRequest, BoolReply](ctx, c.cc, workerServiceName, "IsCancelled", &JobRequest{JobID: id})
	if err != nil {
		return false, fromStatus("IsCancelled", c.address, err)
	}
	return out.Value, nil
}

// IsDone reports whether job id has an outcome.
func (c *WorkerClient) IsDone(ctx context.Context, id types.JobID) (bool, error) {
	out, err := invoke[JobRequest, BoolReply](ctx, c.cc, workerServiceName, "IsDone", &JobRequest{JobID: id})
	if err != nil {
		return false, fromStatus("IsDone", c.address, err)
	}
	return out.Value, nil
}

// Get waits for the outcome of job id, bounded by ctx.
func (c *WorkerClient) Get(ctx context.Context, id types.JobID) (types.Result, error) {
	out, err := invoke[JobRequest, GetReply](ctx, c.cc, workerServiceName, "Get", &JobRequest{JobID: id})
	if err != nil {
		return types.Result{}, fromStatus("Get", c.address, err)
	}
	return out.Result, nil
}

// Shutdown stops the worker process.
func (c *WorkerClient) Shutdown(ctx context.Context) error {
	_, err := invoke[Empty, Empty](ctx, c.cc, workerServiceName, "Shutdown", &Empty{})
	return fromStatus("Shutdown", c.address, err)
}
