package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Error is a transport-level failure of a call: the peer could not be
// reached, the call timed out, or the reply was malformed. It matches
// types.ErrRPC and never wraps a job's own error.
type Error struct {
	Op      string
	Address string
	Code    codes.Code
	Err     error
}

// Error names the call, the peer and the cause.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s to %s: %v", e.Op, e.Address, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches types.ErrRPC.
func (e *Error) Is(target error) bool {
	return target == types.ErrRPC
}

// toStatus converts a service error into a gRPC status error. Job lookup
// failures always carry the job id as a status detail, even an empty one;
// a NotFound without it means an unknown worker.
func toStatus(err error, id types.JobID) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		st := status.New(codes.NotFound, err.Error())
		if withID, derr := st.WithDetails(wrapperspb.String(id.String())); derr == nil {
			st = withID
		}
		return st.Err()
	case errors.Is(err, types.ErrWorkerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrWorkerStopped):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, types.ErrUnknownJobKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus converts an error returned by a gRPC call back into the
// error taxonomy. Service-level conditions come back as their sentinels;
// everything else becomes an *Error.
func fromStatus(op, address string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Op: op, Address: address, Code: codes.DeadlineExceeded, Err: fmt.Errorf("%w: %v", types.ErrTimeout, err)}
		}
		return &Error{Op: op, Address: address, Code: codes.Unknown, Err: err}
	}

	switch st.Code() {
	case codes.NotFound:
		for _, d := range st.Details() {
			if s, ok := d.(*wrapperspb.StringValue); ok {
				return fmt.Errorf("%w: %s on %s", types.ErrJobNotFound, s.GetValue(), address)
			}
		}
		return fmt.Errorf("%w: %s", types.ErrWorkerNotFound, st.Message())
	case codes.FailedPrecondition:
		// A stopped worker is as good as unreachable; the error matches
		// both types.ErrWorkerStopped and types.ErrRPC.
		return &Error{Op: op, Address: address, Code: st.Code(), Err: types.ErrWorkerStopped}
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", types.ErrQueueFull, address)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", types.ErrUnknownJobKind, st.Message())
	case codes.DeadlineExceeded:
		return &Error{Op: op, Address: address, Code: st.Code(), Err: fmt.Errorf("%w: %s", types.ErrTimeout, st.Message())}
	}
	return &Error{Op: op, Address: address, Code: st.Code(), Err: errors.New(st.Message())}
}
