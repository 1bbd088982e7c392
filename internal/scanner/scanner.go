// ============================================================================
// Fleet Scanner - periodic application state checks
// ============================================================================
//
// Package: internal/scanner
// File: scanner.go
//
// A Scanner runs one kind of check over an appnet.Network in cycles:
//
//   status  probe every descriptor
//   deploy  deploy AUTH descriptors with auto-deploy, then re-probe
//   kill    kill RUNNING descriptors with auto-kill, then re-probe
//   drop    remove UNREACHABLE/INVALID descriptors with auto-drop
//
// Cycle:
//   1. select the descriptors the check applies to
//   2. run the checks with at most Concurrency in flight; a descriptor
//      whose lock is held by another check is skipped this cycle
//   3. each check gets CheckTimeout and is not cut short by Stop
//   4. sleep until MinCycle has passed since the cycle started
//
// Failed checks are logged and counted; the next cycle tries again.
//
// ============================================================================

package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Kind names a scanner.
type Kind string

const (
	Status Kind = "status"
	Deploy Kind = "deploy"
	Kill   Kind = "kill"
	Drop   Kind = "drop"
)

// Kinds lists every scanner kind in the order the engine starts them.
var Kinds = []Kind{Status, Deploy, Kill, Drop}

// Scanner runs one kind of check over a network.
type Scanner struct {
	kind    Kind
	cfg     config.Scanner
	network *appnet.Network
	metrics *metrics.Collector
	logger  *slog.Logger

	selects func(d *appnet.Descriptor) bool
	check   func(ctx context.Context, d *appnet.Descriptor) error
}

// New creates a scanner of the given kind. m may be nil.
func New(kind Kind, cfg config.Scanner, n *appnet.Network, m *metrics.Collector, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	s := &Scanner{
		kind:    kind,
		cfg:     cfg,
		network: n,
		metrics: m,
		logger:  logger.With("component", "scanner", "scanner", string(kind)),
	}

	switch kind {
	case Status:
		s.selects = func(*appnet.Descriptor) bool { return true }
		s.check = func(ctx context.Context, d *appnet.Descriptor) error {
			_, err := d.Probe(ctx)
			return err
		}
	case Deploy:
		s.selects = func(d *appnet.Descriptor) bool {
			return d.State() == types.AppAuth && d.Policy().AutoDeploy
		}
		s.check = func(ctx context.Context, d *appnet.Descriptor) error {
			return d.Deploy(ctx)
		}
	case Kill:
		s.selects = func(d *appnet.Descriptor) bool {
			return d.State() == types.AppRunning && d.Policy().AutoKill
		}
		s.check = func(ctx context.Context, d *appnet.Descriptor) error {
			return d.Kill(ctx)
		}
	case Drop:
		s.selects = func(d *appnet.Descriptor) bool {
			st := d.State()
			return (st == types.AppUnreachable || st == types.AppInvalid) && d.Policy().AutoDrop
		}
		s.check = func(_ context.Context, d *appnet.Descriptor) error {
			if s.network.Remove(d) {
				s.logger.Info("Dropped application", "key", d.Key(), "state", d.State())
			}
			return nil
		}
	default:
		return nil, fmt.Errorf("unknown scanner kind %q", kind)
	}
	return s, nil
}

// Kind returns what the scanner does to each descriptor.
func (s *Scanner) Kind() Kind {
	return s.kind
}

// Cycle runs one pass over the network and returns the number of
// descriptors checked. ctx only stops new checks from starting.
func (s *Scanner) Cycle(ctx context.Context) int {
	start := time.Now()
	defer func() {
		s.metrics.RecordCycle(string(s.kind), time.Since(start).Seconds())
	}()

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	checked := 0
	for _, d := range s.network.Descriptors() {
		if ctx.Err() != nil {
			break
		}
		if !s.selects(d) {
			continue
		}
		checked++
		g.Go(func() error {
			if !d.TryAcquire() {
				s.logger.Debug("Descriptor busy, skipping", "key", d.Key())
				return nil
			}
			defer d.Release()
			// State may have moved while waiting for a slot.
			if !s.selects(d) {
				return nil
			}
			s.run(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return checked
}

func (s *Scanner) run(ctx context.Context, d *appnet.Descriptor) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.checkTimeout())
	defer cancel()

	if err := s.check(cctx, d); err != nil {
		s.metrics.RecordCheckFailure(string(s.kind))
		s.logger.Warn("Check failed", "key", d.Key(), "state", d.State(), "error", err)
	}
}

func (s *Scanner) checkTimeout() time.Duration {
	if s.cfg.CheckTimeout > 0 {
		return s.cfg.CheckTimeout
	}
	return 10 * time.Second
}

// Run repeats Cycle until ctx is done. Cycle starts are at least MinCycle
// apart.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("Scanner started", "min_cycle", s.cfg.MinCycle, "concurrency", s.cfg.Concurrency)
	defer s.logger.Info("Scanner stopped")

	for {
		start := time.Now()
		n := s.Cycle(ctx)
		s.logger.Debug("Cycle finished", "checked", n, "duration", time.Since(start))

		wait := s.cfg.MinCycle - time.Since(start)
		if wait <= 0 {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
