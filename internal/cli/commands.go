package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/admin"
	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/ChuLiYu/fleet-rpc/internal/coordinator"
	"github.com/ChuLiYu/fleet-rpc/internal/inventory"
	"github.com/ChuLiYu/fleet-rpc/internal/job"
	"github.com/ChuLiYu/fleet-rpc/internal/jobs"
	"github.com/ChuLiYu/fleet-rpc/internal/metrics"
	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/ChuLiYu/fleet-rpc/internal/scanner"
	"github.com/ChuLiYu/fleet-rpc/internal/snapshot"
	"github.com/ChuLiYu/fleet-rpc/internal/worker"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	var noDeploy bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the coordinator and deploy workers to the inventory",
		Long: `Start the coordinator: adopt the workers recorded in the state file,
deploy a worker on every inventory host, scan the hosts and serve the admin
API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.runCoordinator(ctx, !noDeploy)
		},
	}

	cmd.Flags().String("listen", "", "coordinator RPC address")
	cmd.Flags().String("advertise", "", "address workers dial back")
	cmd.Flags().String("inventory", "", "host inventory file")
	cmd.Flags().String("state-file", "", "registry snapshot file")
	cmd.Flags().String("admin", "", "admin API address (empty disables it)")
	cmd.Flags().BoolVar(&noDeploy, "no-deploy", false, "skip the initial deployment; scanners still run")
	a.bindFlag(cmd, "coordinator.listen", "listen")
	a.bindFlag(cmd, "coordinator.advertise", "advertise")
	a.bindFlag(cmd, "coordinator.inventory", "inventory")
	a.bindFlag(cmd, "coordinator.state_file", "state-file")
	a.bindFlag(cmd, "admin.listen", "admin")
	return cmd
}

func (a *app) runCoordinator(ctx context.Context, deploy bool) error {
	cfg := a.cfg
	logger := a.logger
	cfg.LogValues(logger)
	cfg.Coordinator.LogValues(logger)
	cfg.Scanners.LogValues(logger)

	coordCfg, err := withDefaultPayload(cfg.Coordinator)
	if err != nil {
		return err
	}

	targets, err := loadTargets(coordCfg.Inventory)
	if err != nil {
		return err
	}
	logger.Info("Inventory loaded", "path", coordCfg.Inventory, "hosts", len(targets))

	jobs.Register()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	var snaps *snapshot.Manager
	if coordCfg.StateFile != "" {
		snaps = snapshot.NewManager(coordCfg.StateFile)
	}

	return coordinator.Run(ctx, coordinator.RunOptions{
		Config:    coordCfg,
		GRPC:      &cfg.GRPC,
		Registry:  job.DefaultRegistry,
		Snapshots: snaps,
		Metrics:   collector,
		Logger:    logger,
		Ready: func(ctx context.Context, n *coordinator.Node) (func(), error) {
			return a.bringUp(ctx, n, coordCfg, targets, collector, deploy)
		},
	})
}

// bringUp deploys, starts the scanners and the admin API. The returned
// func stops the last two.
func (a *app) bringUp(ctx context.Context, n *coordinator.Node, cfg config.Coordinator, targets []inventory.Target, collector *metrics.Collector, deploy bool) (func(), error) {
	logger := a.logger

	for _, t := range targets {
		if err := n.AddHost(t.Host); err != nil {
			return nil, err
		}
	}
	if deploy && len(targets) > 0 {
		report, err := n.DeployWorkersOnHosts(ctx)
		if err != nil {
			return nil, fmt.Errorf("deployment failed on every host: %w", err)
		}
		for _, f := range report.Failures {
			logger.Warn("Host not deployed", "host", f.Host, "stage", f.Stage, "error", f.Err)
		}
		logger.Info("Workers deployed", "workers", len(report.Handles), "failed", len(report.Failures))
	}

	network := appnet.NewNetwork(collector)
	for _, d := range inventory.Descriptors(targets, coordinator.NewWorkerApp(n, cfg.Platforms)) {
		network.Add(d)
	}
	network.AddListener(func(d *appnet.Descriptor, from, to types.ApplicationState) {
		logger.Info("Application state changed", "descriptor", d.Key(), "from", from, "to", to)
	})

	engine, err := scanner.NewEngine(network, a.cfg.Scanners, collector, logger)
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}

	var api *admin.Server
	if addr := a.cfg.Admin.Listen; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			engine.Stop()
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		api = admin.New(admin.Options{
			Fleet:    n,
			Network:  network,
			Registry: job.DefaultRegistry,
			Metrics:  collector,
			Logger:   logger,
			MaxWait:  a.cfg.Admin.MaxWait,
		})
		go func() {
			if err := api.Serve(lis); err != nil {
				logger.Error("Admin API stopped", "error", err)
			}
		}()
	}

	return func() {
		engine.Stop()
		if api != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := api.Shutdown(sctx); err != nil {
				logger.Warn("Admin API shutdown", "error", err)
			}
		}
	}, nil
}

// withDefaultPayload ships the running executable when no payload is
// configured.
func withDefaultPayload(cfg config.Coordinator) (config.Coordinator, error) {
	if len(cfg.Payload) > 0 {
		return cfg, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return cfg, fmt.Errorf("no payload configured and executable unknown: %w", err)
	}
	cfg.Payload = []string{exe}
	cfg.Binary = filepath.Base(exe)
	return cfg, nil
}

// loadTargets reads the inventory. A missing file means no hosts.
func loadTargets(path string) ([]inventory.Target, error) {
	if path == "" {
		return nil, nil
	}
	fs := afero.NewOsFs()
	if ok, err := afero.Exists(fs, path); err != nil || !ok {
		return nil, err
	}
	inv, err := inventory.Load(fs, path)
	if err != nil {
		return nil, err
	}
	return inv.Targets(fs), nil
}

// ============================================================================
// worker
// ============================================================================

func (a *app) buildWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker and register it with the coordinator",
		Long: `Start a worker process. The coordinator launches this command on every
host it deploys to; it can also be started by hand.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.runWorker(ctx)
		},
	}

	cmd.Flags().String("listen", "", "worker RPC address")
	cmd.Flags().String("advertise", "", "address announced to the coordinator")
	cmd.Flags().String("coordinator", "", "coordinator address")
	cmd.Flags().Int("threads", 0, "executor goroutines")
	a.bindFlag(cmd, "worker.listen", "listen")
	a.bindFlag(cmd, "worker.advertise", "advertise")
	a.bindFlag(cmd, "worker.coordinator", "coordinator")
	a.bindFlag(cmd, "worker.threads", "threads")
	return cmd
}

func (a *app) runWorker(ctx context.Context) error {
	a.cfg.Worker.LogValues(a.logger)
	jobs.Register()
	return worker.Run(ctx, worker.RunOptions{
		Config:   a.cfg.Worker,
		GRPC:     &a.cfg.GRPC,
		Registry: job.DefaultRegistry,
		Metrics:  metrics.NewCollector(prometheus.NewRegistry()),
		Logger:   a.logger,
	})
}

// ============================================================================
// status / kill-all
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the workers recorded in the state file",
		Long:  "Read the registry snapshot of the last coordinator and ping every recorded worker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return a.showStatus(ctx)
		},
	}
	cmd.Flags().String("state-file", "", "registry snapshot file")
	a.bindFlag(cmd, "coordinator.state_file", "state-file")
	return cmd
}

func (a *app) showStatus(ctx context.Context) error {
	path := a.cfg.Coordinator.StateFile
	if path == "" {
		return errNoStateFile
	}
	snap, err := snapshot.NewManager(path).Load()
	if err != nil {
		return err
	}

	conns := rpc.NewPool(&a.cfg.GRPC)
	defer conns.Close()

	fmt.Fprintf(a.out, "State file:   %s\n", path)
	if snap.Coordinator != "" {
		fmt.Fprintf(a.out, "Coordinator:  %s (%s)\n", snap.Coordinator, time.UnixMilli(snap.TakenAt).Format(time.RFC3339))
	}
	fmt.Fprintf(a.out, "Workers:      %d\n\n", len(snap.Workers))
	if len(snap.Workers) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tHOST\tMANAGED\tSTATUS")
	for _, w := range snap.Workers {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", w.Address, w.Host, w.Managed, ping(ctx, conns, w.Address))
	}
	return tw.Flush()
}

func ping(ctx context.Context, conns *rpc.Pool, address string) string {
	client, err := conns.Worker(address)
	if err != nil {
		return "unreachable"
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx); err != nil {
		return "unreachable"
	}
	return "alive"
}

func (a *app) buildKillAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill-all",
		Short: "Shut down every worker recorded in the state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return a.killAll(ctx)
		},
	}
	cmd.Flags().String("state-file", "", "registry snapshot file")
	a.bindFlag(cmd, "coordinator.state_file", "state-file")
	return cmd
}

func (a *app) killAll(ctx context.Context) error {
	path := a.cfg.Coordinator.StateFile
	if path == "" {
		return errNoStateFile
	}
	conns := rpc.NewPool(&a.cfg.GRPC)
	defer conns.Close()

	stopped, err := coordinator.KillRecorded(ctx, snapshot.NewManager(path), conns)
	fmt.Fprintf(a.out, "Stopped %d worker(s)\n", stopped)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
