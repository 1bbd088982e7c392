package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/coordinator"
	"github.com/ChuLiYu/fleet-rpc/internal/future"
	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/jobs"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/internal/server"
	"github.com/ChuLiYu/fleet-rpc/internal/worker"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const workerAddr = "w:1"

// fakeFleet submits straight to one worker and records kills.
type fakeFleet struct {
	conns *rpc.Pool

	mu     sync.Mutex
	killed []string
}

func (f *fakeFleet) Workers() []*coordinator.WorkerHandle {
	return []*coordinator.WorkerHandle{{Address: workerAddr, RegisteredAt: time.Unix(100, 0).UTC()}}
}

func (f *fakeFleet) Worker(address string) (*coordinator.WorkerHandle, error) {
	if address != workerAddr {
		return nil, fmt.Errorf("%w: %s", types.ErrWorkerNotFound, address)
	}
	return f.Workers()[0], nil
}

func (f *fakeFleet) KillWorker(_ context.Context, address string) error {
	if _, err := f.Worker(address); err != nil {
		return err
	}
	f.mu.Lock()
	f.killed = append(f.killed, address)
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) SubmitEnvelope(ctx context.Context, address string, env job.Envelope) (*future.Direct, error) {
	if _, err := f.Worker(address); err != nil {
		return nil, err
	}
	client, err := f.conns.Worker(address)
	if err != nil {
		return nil, err
	}
	id, err := client.Submit(ctx, env)
	if err != nil {
		return nil, err
	}
	return future.NewDirect(id, address, client, future.NewCompletion()), nil
}

func (f *fakeFleet) Conns() *rpc.Pool {
	return f.conns
}

type nopManager struct{}

func (nopManager) Name() string { return "worker" }

func (nopManager) Probe(context.Context, *appnet.Descriptor) (appnet.ProbeResult, error) {
	return appnet.ProbeResult{State: types.AppAuth}, nil
}

func (nopManager) Deploy(context.Context, *appnet.Descriptor) error { return nil }

func (nopManager) Kill(context.Context, *appnet.Descriptor) error { return nil }

// ============================================================================
// Suite
// ============================================================================

type AdminSuite struct {
	suite.Suite

	fleet   *fakeFleet
	network *appnet.Network
	server  *Server
	cleanup []func()
}

func TestAdminSuite(t *testing.T) {
	suite.Run(t, new(AdminSuite))
}

func (s *AdminSuite) SetupTest() {
	reg := job.NewRegistry()
	jobs.RegisterIn(reg)

	node := worker.NewNode(worker.Options{
		Config: config.Worker{
			Listen:         workerAddr,
			Threads:        2,
			QueueSize:      8,
			ReportInterval: 20 * time.Millisecond,
			NotifyTimeout:  time.Second,
			ResultTTL:      time.Minute,
		},
		Address:  workerAddr,
		Registry: reg,
	})
	s.Require().NoError(node.Start())

	lis := bufconn.Listen(1 << 20)
	srv := server.New(nil, nil, func(r grpc.ServiceRegistrar) {
		rpc.RegisterWorkerService(r, node)
	})
	srv.Serve(lis)

	conns := rpc.NewPool(nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))

	s.fleet = &fakeFleet{conns: conns}
	s.network = appnet.NewNetwork(nil)
	d := appnet.NewDescriptor(&host.LocalHost{Name: "h1"}, nopManager{}, appnet.Policy{AutoDeploy: true})
	s.Require().True(s.network.Add(d))
	d.SetState(types.AppAuth)

	s.server = New(Options{
		Fleet:    s.fleet,
		Network:  s.network,
		Registry: reg,
		Metrics:  metrics.NewCollector(prometheus.NewRegistry()),
	})
	s.cleanup = []func(){
		func() { _ = conns.Close() },
		func() { srv.Stop(time.Second) },
		func() { _ = node.Shutdown(context.Background()) },
	}
}

func (s *AdminSuite) TearDownTest() {
	for _, f := range s.cleanup {
		f()
	}
}

func (s *AdminSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *AdminSuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *AdminSuite) submit(kind, args string) future.Reference {
	rec := s.do(http.MethodPost, "/jobs", fmt.Sprintf(`{"address": %q, "kind": %q, "args": %s}`, workerAddr, kind, args))
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	var ref future.Reference
	s.decode(rec, &ref)
	s.Require().Equal(workerAddr, ref.Address)
	return ref
}

// ============================================================================
// Tests
// ============================================================================

func (s *AdminSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, rec.Code)

	var body map[string]any
	s.decode(rec, &body)
	s.Equal("ok", body["status"])
	s.Equal(float64(1), body["workers"])
}

func (s *AdminSuite) TestMetrics() {
	rec := s.do(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "fleet_jobs_submitted_total")
}

func (s *AdminSuite) TestListWorkers() {
	rec := s.do(http.MethodGet, "/workers", "")
	s.Equal(http.StatusOK, rec.Code)

	var out []workerView
	s.decode(rec, &out)
	s.Require().Len(out, 1)
	s.Equal(workerAddr, out[0].Address)
	s.False(out[0].Managed)
}

func (s *AdminSuite) TestKillWorker() {
	rec := s.do(http.MethodDelete, "/workers/"+workerAddr, "")
	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal([]string{workerAddr}, s.fleet.killed)

	rec = s.do(http.MethodDelete, "/workers/nobody:1", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *AdminSuite) TestListNetwork() {
	rec := s.do(http.MethodGet, "/network", "")
	s.Equal(http.StatusOK, rec.Code)

	var out []map[string]any
	s.decode(rec, &out)
	s.Require().Len(out, 1)
	s.Equal("h1/worker", out[0]["key"])
	s.Equal("AUTH", out[0]["state"])
	s.Equal(true, out[0]["auto_deploy"])
}

func (s *AdminSuite) TestSubmitAndWait() {
	ref := s.submit(jobs.KindEcho, `{"value": "hi"}`)

	rec := s.do(http.MethodGet, fmt.Sprintf("/jobs/%s/%s?wait=5s", workerAddr, ref.JobID), "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var view jobView
	s.decode(rec, &view)
	s.True(view.Done)
	s.Equal(string(types.StateDone), view.State)
	s.Equal("hi", view.Value)
	s.Nil(view.Error)
}

func (s *AdminSuite) TestFailedJobCarriesError() {
	ref := s.submit(jobs.KindFail, `{"message": "disk full"}`)

	rec := s.do(http.MethodGet, fmt.Sprintf("/jobs/%s/%s?wait=5s", workerAddr, ref.JobID), "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var view jobView
	s.decode(rec, &view)
	s.True(view.Done)
	s.Equal(string(types.StateFailed), view.State)
	s.Require().NotNil(view.Error)
	s.Equal("*jobs.FailError", view.Error.Kind)
	s.Equal("disk full", view.Error.Message)
}

func (s *AdminSuite) TestPendingJob() {
	ref := s.submit(jobs.KindSleep, fmt.Sprintf(`{"duration": %d}`, int64(time.Hour)))

	rec := s.do(http.MethodGet, fmt.Sprintf("/jobs/%s/%s", workerAddr, ref.JobID), "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var view jobView
	s.decode(rec, &view)
	s.False(view.Done)
	s.Equal(string(types.StatePending), view.State)

	rec = s.do(http.MethodGet, fmt.Sprintf("/jobs/%s/%s?wait=50ms", workerAddr, ref.JobID), "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.decode(rec, &view)
	s.False(view.Done)
}

func (s *AdminSuite) TestSubmitErrors() {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"missing kind", `{"address": "w:1"}`, http.StatusBadRequest},
		{"unknown kind", `{"address": "w:1", "kind": "nope"}`, http.StatusBadRequest},
		{"bad args", `{"address": "w:1", "kind": "echo", "args": {"value": 3}}`, http.StatusBadRequest},
		{"unknown worker", `{"address": "x:1", "kind": "echo"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec := s.do(http.MethodPost, "/jobs", tt.body)
			s.Equal(tt.code, rec.Code, rec.Body.String())
		})
	}
}

func (s *AdminSuite) TestGetJobErrors() {
	unknown := types.NewJobID()
	tests := []struct {
		name string
		path string
		code int
	}{
		{"unknown id", fmt.Sprintf("/jobs/%s/%s", workerAddr, unknown), http.StatusNotFound},
		{"malformed id", fmt.Sprintf("/jobs/%s/not-an-id", workerAddr), http.StatusBadRequest},
		{"unknown worker", fmt.Sprintf("/jobs/x:1/%s", unknown), http.StatusNotFound},
		{"bad wait", fmt.Sprintf("/jobs/%s/%s?wait=soon", workerAddr, unknown), http.StatusBadRequest},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec := s.do(http.MethodGet, tt.path, "")
			s.Equal(tt.code, rec.Code, rec.Body.String())
		})
	}
}

func (s *AdminSuite) TestServeAndShutdown() {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(lis) }()

	s.Eventually(func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(s.server.Shutdown(ctx))
	s.NoError(<-errCh)
}
