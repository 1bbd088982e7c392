package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/internal/server"
	"github.com/ChuLiYu/fleet-rpc/internal/snapshot"
	"google.golang.org/grpc"
)

// RunOptions configures a coordinator process.
type RunOptions struct {
	Config    config.Coordinator
	GRPC      *rpc.Options
	Registry  *job.Registry
	Snapshots *snapshot.Manager
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// Listener overrides binding Config.Listen.
	Listener    net.Listener
	DialOptions []grpc.DialOption
	// Ready is called once the coordinator serves and has adopted the
	// workers of its snapshot. An error stops the coordinator. The returned
	// stop func, if any, runs before the coordinator shuts down.
	Ready func(ctx context.Context, n *Node) (stop func(), err error)
}

// Run serves the coordinator until ctx ends. Workers are left running.
func Run(ctx context.Context, opts RunOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

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

	node := NewNode(Options{
		Config:    cfg,
		Address:   address,
		Registry:  opts.Registry,
		Conns:     rpc.NewPool(opts.GRPC, opts.DialOptions...),
		Snapshots: opts.Snapshots,
		Metrics:   opts.Metrics,
		Logger:    logger,
	})
	node.Start()
	defer node.Shutdown()

	srv := server.New(opts.GRPC, logger, func(r grpc.ServiceRegistrar) {
		rpc.RegisterCoordinatorService(r, node)
	})
	srv.Serve(lis)
	defer srv.Stop(server.DefaultGrace)
	logger.Info("Coordinator serving", "address", address)

	if n, err := node.Adopt(ctx); err != nil {
		logger.Warn("Failed to adopt recorded workers", "error", err)
	} else if n > 0 {
		logger.Info("Adopted recorded workers", "count", n)
	}

	if opts.Ready != nil {
		stop, err := opts.Ready(ctx, node)
		if err != nil {
			return err
		}
		if stop != nil {
			defer stop()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Coordinator interrupted")
		return nil
	case err := <-srv.Err():
		if err != nil {
			return fmt.Errorf("coordinator server failed: %w", err)
		}
		return nil
	}
}
