package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type fakeWorker struct {
	mu      sync.Mutex
	results map[types.JobID]types.Result
	full    bool
}

func (f *fakeWorker) GetAddress(context.Context) (string, error) { return "fake:1", nil }
func (f *fakeWorker) Ping(context.Context) (string, error)       { return "fake:1", nil }

func (f *fakeWorker) Submit(_ context.Context, env job.Envelope) (types.JobID, error) {
	if f.full {
		return "", types.ErrQueueFull
	}
	if env.Kind == "nope" {
		return "", types.ErrUnknownJobKind
	}
	id := types.NewJobID()
	f.mu.Lock()
	f.results[id] = types.Ok(env.Args)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeWorker) lookup(id types.JobID) (types.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	if !ok {
		return types.Result{}, types.ErrJobNotFound
	}
	return res, nil
}

func (f *fakeWorker) Cancel(_ context.Context, id types.JobID, _ bool) (bool, error) {
	_, err := f.lookup(id)
	return false, err
}

func (f *fakeWorker) IsCancelled(_ context.Context, id types.JobID) (bool, error) {
	_, err := f.lookup(id)
	return false, err
}

func (f *fakeWorker) IsDone(_ context.Context, id types.JobID) (bool, error) {
	_, err := f.lookup(id)
	return err == nil, err
}

func (f *fakeWorker) Get(_ context.Context, id types.JobID) (types.Result, error) {
	return f.lookup(id)
}

func (f *fakeWorker) Shutdown(context.Context) error { return nil }

type fakeCoordinator struct {
	mu         sync.Mutex
	registered []string
	values     map[types.JobID][]byte
	errs       map[types.JobID]*types.JobError
}

func (f *fakeCoordinator) Ping(context.Context) (string, error) { return "coord:1", nil }

func (f *fakeCoordinator) Register(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, address)
	return nil
}

func (f *fakeCoordinator) NotifyCompletion(_ context.Context, _ string, id types.JobID, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[id] = value
	return nil
}

func (f *fakeCoordinator) NotifyException(_ context.Context, _ string, id types.JobID, jobErr *types.JobError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = jobErr
	return nil
}

func serve(t *testing.T, register func(*grpc.Server)) *Pool {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go func() { _ = srv.Serve(lis) }()

	pool := NewPool(nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() {
		_ = pool.Close()
		srv.Stop()
	})
	return pool
}

func TestWorkerClientRoundTrip(t *testing.T) {
	fw := &fakeWorker{results: map[types.JobID]types.Result{}}
	pool := serve(t, func(s *grpc.Server) { RegisterWorkerService(s, fw) })

	w, err := pool.Worker("bufnet")
	require.NoError(t, err)
	ctx := context.Background()

	addr, err := w.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fake:1", addr)

	id, err := w.Submit(ctx, job.Envelope{Kind: "echo", Args: []byte{1, 2, 3}})
	require.NoError(t, err)

	done, err := w.IsDone(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	res, err := w.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.IsOk())
	assert.Equal(t, []byte{1, 2, 3}, res.Value)

	viaPool, err := pool.Result(ctx, "bufnet", id)
	require.NoError(t, err)
	assert.Equal(t, res, viaPool)

	require.NoError(t, w.Shutdown(ctx))
}

func TestWorkerClientUnknownJobIsNotFound(t *testing.T) {
	fw := &fakeWorker{results: map[types.JobID]types.Result{}}
	pool := serve(t, func(s *grpc.Server) { RegisterWorkerService(s, fw) })
	w, err := pool.Worker("bufnet")
	require.NoError(t, err)

	_, err = w.Get(context.Background(), types.NewJobID())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	assert.NotErrorIs(t, err, types.ErrRPC)

	_, err = w.Cancel(context.Background(), types.NewJobID(), true)
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	_, err = w.Get(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	assert.NotErrorIs(t, err, types.ErrWorkerNotFound)
}

func TestWorkerClientServiceErrors(t *testing.T) {
	fw := &fakeWorker{results: map[types.JobID]types.Result{}}
	pool := serve(t, func(s *grpc.Server) { RegisterWorkerService(s, fw) })
	w, err := pool.Worker("bufnet")
	require.NoError(t, err)

	_, err = w.Submit(context.Background(), job.Envelope{Kind: "nope"})
	assert.ErrorIs(t, err, types.ErrUnknownJobKind)

	fw.full = true
	_, err = w.Submit(context.Background(), job.Envelope{Kind: "echo"})
	assert.ErrorIs(t, err, types.ErrQueueFull)
}

func TestJobErrorSurvivesNotification(t *testing.T) {
	fc := &fakeCoordinator{values: map[types.JobID][]byte{}, errs: map[types.JobID]*types.JobError{}}
	pool := serve(t, func(s *grpc.Server) { RegisterCoordinatorService(s, fc) })
	c, err := pool.Coordinator("bufnet")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "worker:9"))
	assert.Equal(t, []string{"worker:9"}, fc.registered)

	id := types.NewJobID()
	sent := types.NewJobError(errors.New("disk on fire"))
	require.NoError(t, c.NotifyException(ctx, "worker:9", id, sent))
	got := fc.errs[id]
	require.NotNil(t, got)
	assert.Equal(t, sent.Kind, got.Kind)
	assert.Equal(t, "disk on fire", got.Message)

	id2 := types.NewJobID()
	require.NoError(t, c.NotifyCompletion(ctx, "worker:9", id2, []byte("ok")))
	assert.Equal(t, []byte("ok"), fc.values[id2])
}

func TestUnreachablePeerIsRPCError(t *testing.T) {
	pool := NewPool(nil, grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}))
	defer pool.Close()

	w, err := pool.Worker("nowhere:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = w.Get(ctx, types.NewJobID())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRPC)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "nowhere:1", rpcErr.Address)
}

func TestPoolCachesAndForgets(t *testing.T) {
	pool := NewPool(nil)
	defer pool.Close()

	a, err := pool.conn("127.0.0.1:1")
	require.NoError(t, err)
	b, err := pool.conn("127.0.0.1:1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	pool.Forget("127.0.0.1:1")
	c, err := pool.conn("127.0.0.1:1")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestPoolClosed(t *testing.T) {
	pool := NewPool(nil)
	require.NoError(t, pool.Close())
	_, err := pool.Worker("127.0.0.1:1")
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	d := 10 * time.Second
	yes := true
	o := &Options{KeepAliveTime: &d, PermitKeepAliveWithoutCalls: &yes}
	assert.Len(t, o.ServerOptions(), 2)
	assert.Len(t, o.DialOptions(), 3)

	var none *Options
	assert.Empty(t, none.ServerOptions())
	assert.Len(t, none.DialOptions(), 2)
}
