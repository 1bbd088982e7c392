package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeApp keeps the "real" state of each host; probes report it.
type fakeApp struct {
	mu     sync.Mutex
	states map[string]types.ApplicationState
	probes map[string]int

	deployDelay time.Duration
	deployErr   error
	probeErr    error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	deployCtxOK atomic.Bool
}

func newFakeApp() *fakeApp {
	return &fakeApp{
		states: map[string]types.ApplicationState{},
		probes: map[string]int{},
	}
}

func (a *fakeApp) Name() string { return "worker" }

func (a *fakeApp) set(addr string, s types.ApplicationState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[addr] = s
}

func (a *fakeApp) probeCount(addr string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probes[addr]
}

func (a *fakeApp) Probe(_ context.Context, d *appnet.Descriptor) (appnet.ProbeResult, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		m := a.maxInFlight.Load()
		if n <= m || a.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes[d.Host().Address()]++
	if a.probeErr != nil {
		return appnet.ProbeResult{}, a.probeErr
	}
	s := a.states[d.Host().Address()]
	r := appnet.ProbeResult{State: s}
	if s == types.AppRunning {
		r.Reference = d.Host().Address() + ":7400"
	}
	return r, nil
}

func (a *fakeApp) Deploy(ctx context.Context, d *appnet.Descriptor) error {
	if a.deployDelay > 0 {
		select {
		case <-time.After(a.deployDelay):
			a.deployCtxOK.Store(true)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.deployErr != nil {
		return a.deployErr
	}
	a.set(d.Host().Address(), types.AppRunning)
	return nil
}

func (a *fakeApp) Kill(_ context.Context, d *appnet.Descriptor) error {
	a.set(d.Host().Address(), types.AppAuth)
	return nil
}

func scannerConfig() config.Scanner {
	return config.Scanner{Enabled: true, MinCycle: 20 * time.Millisecond, CheckTimeout: time.Second, Concurrency: 4}
}

func newNetwork(app *fakeApp, p appnet.Policy, names ...string) (*appnet.Network, []*appnet.Descriptor) {
	n := appnet.NewNetwork(nil)
	var ds []*appnet.Descriptor
	for _, name := range names {
		d := appnet.NewDescriptor(&host.LocalHost{Name: name}, app, p)
		n.Add(d)
		ds = append(ds, d)
	}
	return n, ds
}

func mustScanner(t *testing.T, k Kind, cfg config.Scanner, n *appnet.Network, m *metrics.Collector) *Scanner {
	t.Helper()
	s, err := New(k, cfg, n, m, nil)
	require.NoError(t, err)
	return s
}

func TestStatusCycle(t *testing.T) {
	app := newFakeApp()
	app.set("a", types.AppRunning)
	app.set("b", types.AppUnreachable)
	n, ds := newNetwork(app, appnet.Policy{}, "a", "b", "c")
	app.set("c", types.AppAuth)

	checked := mustScanner(t, Status, scannerConfig(), n, nil).Cycle(context.Background())
	assert.Equal(t, 3, checked)
	assert.Equal(t, types.AppRunning, ds[0].State())
	assert.Equal(t, "a:7400", ds[0].Reference())
	assert.Equal(t, types.AppUnreachable, ds[1].State())
	assert.Equal(t, types.AppAuth, ds[2].State())
}

func TestOnlyChangesNotifyAcrossCycles(t *testing.T) {
	app := newFakeApp()
	app.set("a", types.AppAuth)
	n, _ := newNetwork(app, appnet.Policy{}, "a")
	s := mustScanner(t, Status, scannerConfig(), n, nil)
	s.Cycle(context.Background())

	var notes atomic.Int32
	n.AddListener(func(_ *appnet.Descriptor, old, new types.ApplicationState) {
		assert.Equal(t, types.AppAuth, old)
		assert.Equal(t, types.AppRunning, new)
		notes.Add(1)
	})

	s.Cycle(context.Background()) // AUTH
	app.set("a", types.AppRunning)
	s.Cycle(context.Background()) // RUNNING
	s.Cycle(context.Background()) // RUNNING

	assert.Equal(t, int32(1), notes.Load())
}

func TestDeployScanner(t *testing.T) {
	app := newFakeApp()
	n := appnet.NewNetwork(nil)
	auto := appnet.NewDescriptor(&host.LocalHost{Name: "auto"}, app, appnet.Policy{AutoDeploy: true})
	manual := appnet.NewDescriptor(&host.LocalHost{Name: "manual"}, app, appnet.Policy{})
	n.Add(auto)
	n.Add(manual)
	auto.SetState(types.AppAuth)
	manual.SetState(types.AppAuth)

	checked := mustScanner(t, Deploy, scannerConfig(), n, nil).Cycle(context.Background())
	assert.Equal(t, 1, checked)
	assert.Equal(t, types.AppRunning, auto.State(), "deploy is followed by a probe")
	assert.Equal(t, types.AppAuth, manual.State())
	assert.Equal(t, 1, app.probeCount("auto"))
	assert.Zero(t, app.probeCount("manual"))
}

func TestDeployFailureIsRetriedNextCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	app := newFakeApp()
	app.deployErr = errors.New("upload failed")
	n, ds := newNetwork(app, appnet.Policy{AutoDeploy: true}, "a")
	ds[0].SetState(types.AppAuth)

	s := mustScanner(t, Deploy, scannerConfig(), n, m)
	assert.Equal(t, 1, s.Cycle(context.Background()))
	assert.Equal(t, types.AppAuth, ds[0].State())

	app.deployErr = nil
	assert.Equal(t, 1, s.Cycle(context.Background()))
	assert.Equal(t, types.AppRunning, ds[0].State())
}

func TestKillScanner(t *testing.T) {
	app := newFakeApp()
	app.set("a", types.AppRunning)
	app.set("b", types.AppRunning)
	n := appnet.NewNetwork(nil)
	a := appnet.NewDescriptor(&host.LocalHost{Name: "a"}, app, appnet.Policy{AutoKill: true})
	b := appnet.NewDescriptor(&host.LocalHost{Name: "b"}, app, appnet.Policy{})
	n.Add(a)
	n.Add(b)
	a.SetState(types.AppRunning)
	b.SetState(types.AppRunning)

	mustScanner(t, Kill, scannerConfig(), n, nil).Cycle(context.Background())
	assert.Equal(t, types.AppAuth, a.State())
	assert.Equal(t, types.AppRunning, b.State())
}

func TestDropScanner(t *testing.T) {
	app := newFakeApp()
	n := appnet.NewNetwork(nil)
	unreachable := appnet.NewDescriptor(&host.LocalHost{Name: "u"}, app, appnet.Policy{AutoDrop: true})
	invalid := appnet.NewDescriptor(&host.LocalHost{Name: "i"}, app, appnet.Policy{AutoDrop: true})
	kept := appnet.NewDescriptor(&host.LocalHost{Name: "k"}, app, appnet.Policy{})
	running := appnet.NewDescriptor(&host.LocalHost{Name: "r"}, app, appnet.Policy{AutoDrop: true})
	for _, d := range []*appnet.Descriptor{unreachable, invalid, kept, running} {
		n.Add(d)
	}
	unreachable.SetState(types.AppUnreachable)
	invalid.SetState(types.AppInvalid)
	kept.SetState(types.AppUnreachable)
	running.SetState(types.AppRunning)

	mustScanner(t, Drop, scannerConfig(), n, nil).Cycle(context.Background())

	var keys []string
	for _, d := range n.Descriptors() {
		keys = append(keys, d.Key())
	}
	assert.Equal(t, []string{"k/worker", "r/worker"}, keys)
}

func TestBusyDescriptorIsSkipped(t *testing.T) {
	app := newFakeApp()
	app.set("a", types.AppRunning)
	n, ds := newNetwork(app, appnet.Policy{}, "a")

	require.True(t, ds[0].TryAcquire())
	mustScanner(t, Status, scannerConfig(), n, nil).Cycle(context.Background())
	assert.Zero(t, app.probeCount("a"))
	assert.Equal(t, types.AppUnknown, ds[0].State())

	ds[0].Release()
	mustScanner(t, Status, scannerConfig(), n, nil).Cycle(context.Background())
	assert.Equal(t, 1, app.probeCount("a"))
}

func TestConcurrencyBound(t *testing.T) {
	app := newFakeApp()
	n, _ := newNetwork(app, appnet.Policy{}, "a", "b", "c", "d", "e", "f", "g", "h")
	cfg := scannerConfig()
	cfg.Concurrency = 2

	mustScanner(t, Status, cfg, n, nil).Cycle(context.Background())
	assert.LessOrEqual(t, app.maxInFlight.Load(), int32(2))
	assert.Positive(t, app.maxInFlight.Load())
}

func TestProbeFailureKeepsStateAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	app := newFakeApp()
	app.probeErr = errors.New("ssh: handshake failed")
	n, ds := newNetwork(app, appnet.Policy{}, "a")
	ds[0].SetState(types.AppRunning)

	mustScanner(t, Status, scannerConfig(), n, metrics.NewCollector(reg)).Cycle(context.Background())
	assert.Equal(t, types.AppRunning, ds[0].State())

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "fleet_scanner_check_failures_total" {
			found = true
			assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestMinCycleFloor(t *testing.T) {
	app := newFakeApp()
	n, _ := newNetwork(app, appnet.Policy{}, "a")
	cfg := scannerConfig()
	cfg.MinCycle = 50 * time.Millisecond
	s := mustScanner(t, Status, cfg, n, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 230*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	got := app.probeCount("a")
	assert.GreaterOrEqual(t, got, 2)
	assert.LessOrEqual(t, got, 5)
}

func TestUnknownKind(t *testing.T) {
	_, err := New("reboot", scannerConfig(), appnet.NewNetwork(nil), nil, nil)
	assert.Error(t, err)
}

func TestEngineRunsEnabledScanners(t *testing.T) {
	app := newFakeApp()
	app.set("a", types.AppAuth)
	n, ds := newNetwork(app, appnet.Policy{AutoDeploy: true}, "a")

	cfg := config.Scanners{Status: scannerConfig(), Deploy: scannerConfig()}
	e, err := NewEngine(n, cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, e.Scanners(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Start(ctx))
	assert.ErrorIs(t, e.Start(ctx), ErrEngineStarted)

	d, err := n.AwaitAny(ctx, types.AppRunning)
	require.NoError(t, err)
	assert.Same(t, ds[0], d)

	e.Stop()
	e.Stop()
}

func TestStopLetsChecksFinish(t *testing.T) {
	app := newFakeApp()
	app.deployDelay = 100 * time.Millisecond
	n, ds := newNetwork(app, appnet.Policy{AutoDeploy: true}, "a")
	ds[0].SetState(types.AppAuth)

	cfg := config.Scanners{Deploy: scannerConfig()}
	e, err := NewEngine(n, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	e.Stop()

	assert.True(t, app.deployCtxOK.Load(), "in-flight deploy ran to completion")
	assert.Equal(t, types.AppRunning, ds[0].State())
}
