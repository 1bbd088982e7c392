// Package types defines the core domain model shared by workers, the
// coordinator and the application network.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// JobID is the 128-bit identifier a worker assigns to a job at submission.
type JobID string

// NewJobID returns a fresh random (v4) job id.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// ParseJobID validates the textual form of a job id.
func ParseJobID(s string) (JobID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(id.String()), nil
}

// String returns the id as text.
func (id JobID) String() string {
	return string(id)
}

// FutureState is the worker-side state of a job entry.
type FutureState string

const (
	StatePending   FutureState = "pending"   // submitted, not completed yet
	StateDone      FutureState = "done"      // completed with a value
	StateFailed    FutureState = "failed"    // completed with a job error
	StateCancelled FutureState = "cancelled" // cancelled before completion
)

// Terminal reports whether the state is a completion state.
func (s FutureState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Result is the tagged outcome of a job: exactly one of Value (CBOR
// encoded) or Err is meaningful, selected by Err being nil.
type Result struct {
	Value []byte    `cbor:"1,keyasint,omitempty" json:"value,omitempty"`
	Err   *JobError `cbor:"2,keyasint,omitempty" json:"error,omitempty"`
}

// Ok builds a successful result.
func Ok(value []byte) Result {
	return Result{Value: value}
}

// Failed builds a failed result.
func Failed(err *JobError) Result {
	return Result{Err: err}
}

// IsOk reports whether the result carries a value.
func (r Result) IsOk() bool {
	return r.Err == nil
}

// State maps a result to the terminal future state it represents.
func (r Result) State() FutureState {
	switch {
	case r.Err == nil:
		return StateDone
	case r.Err.Kind == KindCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

// WorkerRecord is the persisted form of a registered worker.
type WorkerRecord struct {
	Address string `json:"address"`
	Host    string `json:"host,omitempty"`
	Managed bool   `json:"managed"` // launched by this coordinator
}

// RegistrySnapshot is the coordinator state written to disk so a later
// coordinator can adopt or shut down a running fleet.
type RegistrySnapshot struct {
	Coordinator string         `json:"coordinator"`
	Workers     []WorkerRecord `json:"workers"`
	SchemaVer   int            `json:"schema_ver"`
	TakenAt     int64          `json:"taken_at"` // unix millis
}
