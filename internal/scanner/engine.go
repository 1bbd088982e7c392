package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
)

// ErrEngineStarted is returned by Start on a running engine.
var ErrEngineStarted = errors.New("scanner engine already started")

// Engine runs the enabled scanners over one network, each in its own loop.
type Engine struct {
	network  *appnet.Network
	scanners []*Scanner
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds a scanner for every enabled entry of cfg.
func NewEngine(n *appnet.Network, cfg config.Scanners, m *metrics.Collector, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byKind := map[Kind]config.Scanner{
		Status: cfg.Status,
		Deploy: cfg.Deploy,
		Kill:   cfg.Kill,
		Drop:   cfg.Drop,
	}

	e := &Engine{network: n, logger: logger.With("component", "scanner-engine")}
	for _, k := range Kinds {
		sc := byKind[k]
		if !sc.Enabled {
			continue
		}
		s, err := New(k, sc, n, m, logger)
		if err != nil {
			return nil, err
		}
		e.scanners = append(e.scanners, s)
	}
	return e, nil
}

// Network returns the scanned network.
func (e *Engine) Network() *appnet.Network {
	return e.network
}

// Scanners returns the enabled scanners.
func (e *Engine) Scanners() []*Scanner {
	return e.scanners
}

// Start launches every scanner loop. The loops stop when ctx is done or
// Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrEngineStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)
	for _, s := range e.scanners {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			s.Run(ctx)
		}()
	}
	e.logger.Info("Scanner engine started", "scanners", len(e.scanners), "descriptors", e.network.Len())
	return nil
}

// Stop cancels the loops and waits for them. Checks already running finish
// or hit their own timeout first.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("Scanner engine stopped")
}
