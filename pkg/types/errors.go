package types

import (
	"errors"
	"fmt"
	"reflect"
)

// Error taxonomy. Transport failures match ErrRPC, lookups of unknown ids
// match ErrJobNotFound or ErrWorkerNotFound, and a job's own failure is a
// *JobError delivered as the error of its future.
var (
	ErrRPC                    = errors.New("rpc failure")
	ErrJobNotFound            = errors.New("job not found")
	ErrWorkerNotFound         = errors.New("worker not found")
	ErrAlreadyDeployed        = errors.New("hosts already deployed")
	ErrCoordinatorUnreachable = errors.New("coordinator unreachable")
	ErrTimeout                = errors.New("timed out")
	ErrQueueFull              = errors.New("worker queue is full")
	ErrWorkerStopped          = errors.New("worker is shut down")
	ErrUnknownJobKind         = errors.New("unknown job kind")
	ErrDeploy                 = errors.New("deployment failed")
)

// Kinds assigned by the runtime rather than by job code.
const (
	KindPanic     = "panic"
	KindCancelled = "cancelled"
	KindDecode    = "decode"
	KindEncode    = "encode"
)

// JobError is the serializable form of an error raised by a job. Kind is
// the error's type name (or the value of a Kind() method), Message its
// full text, and Cause the next error in its unwrap chain.
type JobError struct {
	Kind    string    `cbor:"1,keyasint" json:"kind"`
	Message string    `cbor:"2,keyasint" json:"message"`
	Cause   *JobError `cbor:"3,keyasint,omitempty" json:"cause,omitempty"`
}

// Error returns kind and message.
func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the cause, if any.
func (e *JobError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *JobError with the same kind and message.
func (e *JobError) Is(target error) bool {
	t, ok := target.(*JobError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

type kinded interface {
	Kind() string
}

// NewJobError captures err and its unwrap chain.
func NewJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	if je, ok := err.(*JobError); ok {
		return je
	}
	out := &JobError{Kind: errorKind(err), Message: err.Error()}
	if cause := errors.Unwrap(err); cause != nil {
		out.Cause = NewJobError(cause)
	}
	return out
}

func errorKind(err error) string {
	if k, ok := err.(kinded); ok {
		return k.Kind()
	}
	return reflect.TypeOf(err).String()
}
