// ============================================================================
// Remote jobs - envelopes, kinds and execution
// ============================================================================
//
// Package: internal/job
// File: job.go
//
// A job is a value implementing Job. To cross a process boundary it is
// wrapped in an Envelope: the registered kind name plus the CBOR encoding of
// the value. The receiving worker looks the kind up in its Registry, decodes
// a fresh value and runs it with a Context that carries the worker-scoped
// store and a way to fetch other jobs' results.
//
// Outcomes are always a types.Result. Errors returned by Run and panics are
// captured into a *types.JobError so they can be shipped back verbatim.
//
// ============================================================================

package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/ChuLiYu/fleet-rpc/internal/attr"
	"github.com/ChuLiYu/fleet-rpc/internal/codec"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
)

// Job is a unit of remotely executable work. Implementations must be
// CBOR-encodable (exported fields) and registered under a kind name.
type Job interface {
	Run(ctx *Context) (any, error)
}

// ResultSource fetches the result of a job held by another worker.
type ResultSource interface {
	Result(ctx context.Context, address string, id types.JobID) (types.Result, error)
}

// Context is handed to a running job. Cancellation of the embedded
// context.Context is cooperative.
type Context struct {
	context.Context

	JobID   types.JobID
	Store   *attr.Map    // worker-scoped, shared by all jobs on the worker
	Results ResultSource // may be nil when the worker cannot dial out
	Logger  *slog.Logger
}

// Envelope is the serializable form of a job.
type Envelope struct {
	Kind string `cbor:"1,keyasint"`
	Args []byte `cbor:"2,keyasint,omitempty"`
}

// Registry maps kind names to job types.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// DefaultRegistry is used by Register and by workers that are not given a
// registry explicitly.
var DefaultRegistry = NewRegistry()

// Register adds proto's type to the default registry under kind.
func Register(kind string, proto Job) {
	DefaultRegistry.Register(kind, proto)
}

// Register adds proto's type under kind. proto may be a struct value or a
// pointer to a struct. Registering a kind twice with different types panics.
func (r *Registry) Register(kind string, proto Job) {
	t := reflect.TypeOf(proto)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byKind[kind]; ok && prev != t {
		panic(fmt.Sprintf("job: kind %q already registered with %v", kind, prev))
	}
	r.byKind[kind] = t
	r.byType[t] = kind
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}

// Wrap encodes j into an envelope.
func (r *Registry) Wrap(j Job) (Envelope, error) {
	r.mu.RLock()
	kind, ok := r.byType[reflect.TypeOf(j)]
	r.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %T", types.ErrUnknownJobKind, j)
	}
	args, err := codec.Marshal(j)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s job: %w", kind, err)
	}
	return Envelope{Kind: kind, Args: args}, nil
}

// Wrap encodes j with the default registry.
func Wrap(j Job) (Envelope, error) {
	return DefaultRegistry.Wrap(j)
}

// Known reports whether kind is registered.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKind[kind]
	return ok
}

// Unwrap decodes the job carried by env.
func (r *Registry) Unwrap(env Envelope) (Job, error) {
	r.mu.RLock()
	t, ok := r.byKind[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownJobKind, env.Kind)
	}

	var ptr reflect.Value
	if t.Kind() == reflect.Pointer {
		ptr = reflect.New(t.Elem())
	} else {
		ptr = reflect.New(t)
	}
	if len(env.Args) > 0 {
		if err := codec.Unmarshal(env.Args, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("failed to decode %s job: %w", env.Kind, err)
		}
	}
	if t.Kind() == reflect.Pointer {
		return ptr.Interface().(Job), nil
	}
	return ptr.Elem().Interface().(Job), nil
}

// FromJSON builds the envelope of a kind job from its JSON arguments, for
// callers that only know the kind by name. Empty args give the zero job.
func (r *Registry) FromJSON(kind string, args []byte) (Envelope, error) {
	r.mu.RLock()
	t, ok := r.byKind[kind]
	r.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", types.ErrUnknownJobKind, kind)
	}

	elem := t
	if t.Kind() == reflect.Pointer {
		elem = t.Elem()
	}
	ptr := reflect.New(elem)
	if len(args) > 0 {
		if err := json.Unmarshal(args, ptr.Interface()); err != nil {
			return Envelope{}, fmt.Errorf("invalid %s arguments: %w", kind, err)
		}
	}
	if t.Kind() == reflect.Pointer {
		return r.Wrap(ptr.Interface().(Job))
	}
	return r.Wrap(ptr.Elem().Interface().(Job))
}

// Execute runs j and captures its outcome. It never panics.
func Execute(ctx *Context, j Job) (res types.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = types.Failed(&types.JobError{Kind: types.KindPanic, Message: fmt.Sprint(r)})
		}
	}()

	v, err := j.Run(ctx)
	if err != nil {
		return types.Failed(types.NewJobError(err))
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return types.Failed(&types.JobError{Kind: types.KindEncode, Message: err.Error()})
	}
	return types.Ok(data)
}

// Decode unmarshals a successful result into v, or returns the job error.
func Decode(res types.Result, v any) error {
	if res.Err != nil {
		return res.Err
	}
	if v == nil || len(res.Value) == 0 {
		return nil
	}
	return codec.Unmarshal(res.Value, v)
}
