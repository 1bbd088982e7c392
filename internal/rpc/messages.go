package rpc

import (
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Empty is the request or reply of calls without payload.
type Empty struct{}

// AddressReply carries a node address.
type AddressReply struct {
	Address string `cbor:"1,keyasint"`
}

// SubmitRequest carries the job to run.
type SubmitRequest struct {
	Envelope job.Envelope `cbor:"1,keyasint"`
}

// SubmitReply carries the id assigned to a submitted job.
type SubmitReply struct {
	JobID types.JobID `cbor:"1,keyasint"`
}

// JobRequest names a job on the worker.
type JobRequest struct {
	JobID types.JobID `cbor:"1,keyasint"`
}

// CancelRequest names the job to cancel.
type CancelRequest struct {
	JobID        types.JobID `cbor:"1,keyasint"`
	MayInterrupt bool        `cbor:"2,keyasint"`
}

// BoolReply is the answer of the yes/no calls.
type BoolReply struct {
	Value bool `cbor:"1,keyasint"`
}

// GetReply carries a job outcome.
type GetReply struct {
	Result types.Result `cbor:"1,keyasint"`
}

// RegisterRequest carries the address a worker listens on.
type RegisterRequest struct {
	Address string `cbor:"1,keyasint"`
}

// CompletionRequest reports a successful job.
type CompletionRequest struct {
	Worker string      `cbor:"1,keyasint"`
	JobID  types.JobID `cbor:"2,keyasint"`
	Value  []byte      `cbor:"3,keyasint,omitempty"`
}

// ExceptionRequest reports a failed job.
type ExceptionRequest struct {
	Worker string          `cbor:"1,keyasint"`
	JobID  types.JobID     `cbor:"2,keyasint"`
	Err    *types.JobError `cbor:"3,keyasint"`
}
