package rpc

import (
	"context"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"google.golang.org/grpc"
)

const coordinatorServiceName = "fleet.v1.Coordinator"

// CoordinatorServiceDesc describes the service workers call back into.
var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorServiceName,
	HandlerType: (*CoordinatorService)(nil),
	Methods: []grpc.MethodDesc{
		unary(coordinatorServiceName, "Ping", func(srv any, ctx context.Context, _ *Empty) (*AddressReply, error) {
			addr, err := srv.(CoordinatorService).Ping(ctx)
			if err != nil {
				return nil, toStatus(err, "")
			}
			return &AddressReply{Address: addr}, nil
		}),
		unary(coordinatorServiceName, "Register", func(srv any, ctx context.Context, req *RegisterRequest) (*Empty, error) {
			if err := srv.(CoordinatorService).Register(ctx, req.Address); err != nil {
				return nil, toStatus(err, "")
			}
			return &Empty{}, nil
		}),
		unary(coordinatorServiceName, "NotifyCompletion", func(srv any, ctx context.Context, req *CompletionRequest) (*Empty, error) {
			if err := srv.(CoordinatorService).NotifyCompletion(ctx, req.Worker, req.JobID, req.Value); err != nil {
				return nil, toStatus(err, req.JobID)
			}
			return &Empty{}, nil
		}),
		unary(coordinatorServiceName, "NotifyException", func(srv any, ctx context.Context, req *ExceptionRequest) (*Empty, error) {
			if err := srv.(CoordinatorService).NotifyException(ctx, req.Worker, req.JobID, req.Err); err != nil {
				return nil, toStatus(err, req.JobID)
			}
			return &Empty{}, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/v1/coordinator",
}

// RegisterCoordinatorService exposes svc on s.
func RegisterCoordinatorService(s grpc.ServiceRegistrar, svc CoordinatorService) {
	s.RegisterService(&CoordinatorServiceDesc, svc)
}

// CoordinatorClient is the worker's handle on its coordinator.
type CoordinatorClient struct {
	cc      grpc.ClientConnInterface
	address string
}

// NewCoordinatorClient wraps cc for the coordinator at address.
func NewCoordinatorClient(cc grpc.ClientConnInterface, address string) *CoordinatorClient {
	return &CoordinatorClient{cc: cc, address: address}
}

// Address is the coordinator address the client talks to.
func (c *CoordinatorClient) Address() string {
	return c.address
}

// Ping checks that the coordinator answers and returns its address.
func (c *CoordinatorClient) Ping(ctx context.Context) (string, error) {
	out, err := invoke[Empty, AddressReply](ctx, c.cc, coordinatorServiceName, "Ping", &Empty{})
	if err != nil {
		return "", fromStatus("Ping", c.address, err)
	}
	return out.Address, nil
}

// Register announces a worker listening on address.
func (c *CoordinatorClient) Register(ctx context.Context, address string) error {
	_, err := invoke[RegisterRequest, Empty](ctx, c.cc, coordinatorServiceName, "Register", &RegisterRequest{Address: address})
	return fromStatus("Register", c.address, err)
}

// NotifyCompletion reports the encoded value of a finished job.
func (c *CoordinatorClient) NotifyCompletion(ctx context.Context, worker string, id types.JobID, value []byte) error {
	req := &CompletionRequest{Worker: worker, JobID: id, Value: value}
	_, err := invoke[CompletionRequest, Empty](ctx, c.cc, coordinatorServiceName, "NotifyCompletion", req)
	return fromStatus("NotifyCompletion", c.address, err)
}

// NotifyException reports the failure of a job.
func (c *CoordinatorClient) NotifyException(ctx context.Context, worker string, id types.JobID, jobErr *types.JobError) error {
	req := &ExceptionRequest{Worker: worker, JobID: id, Err: jobErr}
	_, err := invoke[ExceptionRequest, Empty](ctx, c.cc, coordinatorServiceName, "NotifyException", req)
	return fromStatus("NotifyException", c.address, err)
}
