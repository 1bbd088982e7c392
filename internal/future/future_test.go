package future

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/codec"
	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/internal/worker"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type mockWorker struct {
	mock.Mock
}

func (m *mockWorker) IsDone(ctx context.Context, id types.JobID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorker) Get(ctx context.Context, id types.JobID) (types.Result, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Result), args.Error(1)
}

func (m *mockWorker) Cancel(ctx context.Context, id types.JobID, mayInterrupt bool) (bool, error) {
	args := m.Called(ctx, id, mayInterrupt)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorker) IsCancelled(ctx context.Context, id types.JobID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func encoded(t *testing.T, v any) []byte {
	t.Helper()
	b, err := codec.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestCompletionSettlesOnce(t *testing.T) {
	c := NewCompletion()
	assert.False(t, c.Settled())
	assert.True(t, c.SettledAt().IsZero())

	assert.True(t, c.Resolve(types.Ok([]byte{1})))
	assert.False(t, c.Resolve(types.Ok([]byte{2})))
	assert.False(t, c.Fail(errors.New("late")))

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, res.Value)
	assert.False(t, c.SettledAt().IsZero())
}

func TestDirectResultByPush(t *testing.T) {
	w := &mockWorker{}
	comp := NewCompletion()
	d := NewDirect("job-1", "w:1", w, comp)

	go comp.Resolve(types.Ok(encoded(t, 42)))

	v, err := Await[int](context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	done, err := d.IsDone(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	w.AssertNotCalled(t, "IsDone", mock.Anything, mock.Anything)

	assert.Equal(t, Reference{JobID: "job-1", Address: "w:1"}, d.Reference())
}

func TestDirectTimeout(t *testing.T) {
	d := NewDirect("job-2", "w:1", &mockWorker{}, NewCompletion())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Result(ctx)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDirectJobErrorAndTransportErrorStayApart(t *testing.T) {
	jobErr := &types.JobError{Kind: "*errors.errorString", Message: "out of stock"}

	failed := NewCompletion()
	failed.Resolve(types.Failed(jobErr))
	d := NewDirect("a", "w:1", &mockWorker{}, failed)
	_, err := Get(context.Background(), d)
	var got *types.JobError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "out of stock", got.Message)
	assert.NotErrorIs(t, err, types.ErrRPC)

	lost := NewCompletion()
	lost.Fail(&rpc.Error{Op: "Get", Address: "w:1", Err: errors.New("worker killed")})
	d = NewDirect("b", "w:1", &mockWorker{}, lost)
	_, err = Get(context.Background(), d)
	assert.ErrorIs(t, err, types.ErrRPC)
	assert.False(t, errors.As(err, &got))
}

func TestDirectAsksWorkerWhilePending(t *testing.T) {
	w := &mockWorker{}
	ctx := context.Background()
	w.On("IsDone", ctx, types.JobID("c")).Return(false, nil).Once()
	w.On("IsCancelled", ctx, types.JobID("c")).Return(false, nil).Once()
	w.On("Cancel", ctx, types.JobID("c"), true).Return(true, nil).Once()

	d := NewDirect("c", "w:1", w, NewCompletion())
	done, err := d.IsDone(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	cancelled, err := d.IsCancelled(ctx)
	require.NoError(t, err)
	assert.False(t, cancelled)

	ok, err := d.Cancel(ctx, true)
	require.NoError(t, err)
	assert.True(t, ok)
	w.AssertExpectations(t)
}

func TestDirectCancelledOutcome(t *testing.T) {
	comp := NewCompletion()
	comp.Resolve(types.Failed(&types.JobError{Kind: types.KindCancelled, Message: "job cancelled"}))
	d := NewDirect("d", "w:1", &mockWorker{}, comp)

	cancelled, err := d.IsCancelled(context.Background())
	require.NoError(t, err)
	assert.True(t, cancelled)
}

// ============================================================================
// References against a live worker
// ============================================================================

type square struct{ N int }

func (s square) Run(*job.Context) (any, error) { return s.N * s.N, nil }

func serveWorker(t *testing.T) (*worker.Node, *grpc.Server, *rpc.Pool, *job.Registry) {
	t.Helper()
	reg := job.NewRegistry()
	reg.Register("square", square{})

	node := worker.NewNode(worker.Options{
		Config: config.Worker{
			Threads:        2,
			QueueSize:      8,
			ReportInterval: 50 * time.Millisecond,
			NotifyTimeout:  time.Second,
			ResultTTL:      time.Minute,
		},
		Address:  "bufnet",
		Registry: reg,
	})
	require.NoError(t, node.Start())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterWorkerService(srv, node)
	go func() { _ = srv.Serve(lis) }()

	pool := rpc.NewPool(nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() {
		_ = pool.Close()
		srv.Stop()
		_ = node.Shutdown(context.Background())
	})
	return node, srv, pool, reg
}

func TestReferenceResolvesAgainstWorker(t *testing.T) {
	node, _, pool, reg := serveWorker(t)
	ctx := context.Background()

	env, err := reg.Wrap(square{N: 7})
	require.NoError(t, err)
	id, err := node.Submit(ctx, env)
	require.NoError(t, err)

	ref := Reference{JobID: id, Address: "bufnet"}
	v, err := Await[int](ctx, ref.Resolve(pool))
	require.NoError(t, err)
	assert.Equal(t, 49, v)

	res, err := ref.Fetch(ctx, pool)
	require.NoError(t, err)
	assert.True(t, res.IsOk())

	done, err := ref.Resolve(pool).IsDone(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestReferenceUnknownIDIsNotFound(t *testing.T) {
	_, _, pool, _ := serveWorker(t)

	ref := Reference{JobID: types.NewJobID(), Address: "bufnet"}
	_, err := ref.Resolve(pool).Result(context.Background())
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	assert.NotErrorIs(t, err, types.ErrRPC)
}

func TestReferenceAfterWorkerStopsIsTransportError(t *testing.T) {
	node, srv, pool, reg := serveWorker(t)
	ctx := context.Background()

	env, err := reg.Wrap(square{N: 3})
	require.NoError(t, err)
	id, err := node.Submit(ctx, env)
	require.NoError(t, err)

	srv.Stop()
	pool.Forget("bufnet")

	deadline, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	_, err = Reference{JobID: id, Address: "bufnet"}.Resolve(pool).Result(deadline)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRPC)
	assert.Less(t, time.Since(start), 3*time.Second+500*time.Millisecond)
}

func TestFetchWithoutSource(t *testing.T) {
	_, err := Reference{JobID: "x", Address: "w:1"}.Fetch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrRPC)
}
