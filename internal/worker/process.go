package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/internal/server"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"google.golang.org/grpc"
)

// RunOptions configures a worker process.
type RunOptions struct {
	Config   config.Worker
	GRPC     *rpc.Options
	Registry *job.Registry
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// Listener overrides binding Config.Listen.
	Listener net.Listener
	// DialOptions are appended when dialing the coordinator and peers.
	DialOptions []grpc.DialOption
	// Ready, if set, is called with the node once it registered.
	Ready func(*Node)
}

// Run is the worker process: serve the worker service, check that the
// coordinator is reachable, register, then serve until ctx ends or the
// coordinator calls Shutdown.
func Run(ctx context.Context, opts RunOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")

	lis := opts.Listener
	if lis == nil {
		var err error
		if lis, err = net.Listen("tcp", cfg.Listen); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
		}
	}
	address := cfg.Advertise
	if address == "" {
		address = lis.Addr().String()
	}

	conns := rpc.NewPool(opts.GRPC, opts.DialOptions...)
	defer conns.Close()

	coord, err := conns.Coordinator(cfg.Coordinator)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("%w: %v", types.ErrCoordinatorUnreachable, err)
	}

	node := NewNode(Options{
		Config:   cfg,
		Address:  address,
		Registry: opts.Registry,
		Notifier: coord,
		Results:  conns,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
	})
	if err := node.Start(); err != nil {
		_ = lis.Close()
		return err
	}

	srv := server.New(opts.GRPC, logger, func(r grpc.ServiceRegistrar) {
		rpc.RegisterWorkerService(r, node)
	})
	srv.Serve(lis)

	if err := announce(ctx, coord, address, cfg.NotifyTimeout); err != nil {
		_ = node.Shutdown(context.Background())
		srv.Stop(0)
		return err
	}
	logger.Info("Worker registered", "address", address, "coordinator", cfg.Coordinator)
	if opts.Ready != nil {
		opts.Ready(node)
	}

	select {
	case <-ctx.Done():
		logger.Info("Worker interrupted")
	case <-node.Done():
		logger.Info("Worker shut down by coordinator")
	case err := <-srv.Err():
		_ = node.Shutdown(context.Background())
		if err != nil {
			return fmt.Errorf("worker server failed: %w", err)
		}
		return nil
	}

	_ = node.Shutdown(context.Background())
	srv.Stop(server.DefaultGrace)
	return nil
}

// announce pings the coordinator and registers address with it.
func announce(ctx context.Context, coord *rpc.CoordinatorClient, address string, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := coord.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrCoordinatorUnreachable, coord.Address(), err)
	}

	regCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := coord.Register(regCtx, address); err != nil {
		return fmt.Errorf("%w: register with %s: %v", types.ErrCoordinatorUnreachable, coord.Address(), err)
	}
	return nil
}
