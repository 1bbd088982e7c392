// ============================================================================
// Fleet CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands of the fleet binary
//
// Command Structure:
//   fleet                          # Root command
//   ├── run                        # Coordinator: deploy, scan, serve admin API
//   ├── worker                     # Worker process (launched by the coordinator)
//   ├── status                     # Workers recorded in the state file
//   ├── kill-all                   # Shut down recorded workers
//   ├── --config, -c               # Config file (default: fleet.yaml lookup)
//   └── --verbose, -v              # Debug logging
//
// Configuration:
//   Flags override FLEET_* environment variables, which override the config
//   file, which overrides built-in defaults. See internal/config.
//
// run Command:
//   1. Serve the coordinator RPC service and adopt recorded workers
//   2. Load the host inventory and deploy a worker on every host
//   3. Start the enabled scanners over the inventory
//   4. Serve the admin API (if admin.listen is set)
//   5. On SIGINT/SIGTERM stop scanners and admin API, then the
//      coordinator. Workers keep running; use kill-all to stop them.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/fleet-rpc/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is reported by --version.
const Version = "1.0.0"

type app struct {
	v          *viper.Viper
	configFile string
	verbose    bool
	out        io.Writer
	errOut     io.Writer

	// Flags bound to config keys, per command. Several commands bind the
	// same key, so only the running command's flags are bound.
	bindings map[*cobra.Command][][2]string

	cfg    *config.Config
	logger *slog.Logger
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	return newApp(os.Stdout, os.Stderr).root()
}

func newApp(out, errOut io.Writer) *app {
	a := &app{
		v:        viper.New(),
		out:      out,
		errOut:   errOut,
		bindings: make(map[*cobra.Command][][2]string),
	}
	config.Setup(a.v)
	return a
}

func (a *app) root() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet: deploy workers to hosts and run jobs on them",
		Long: `Fleet deploys worker processes to a set of hosts, runs serializable
jobs on them with futures resolved by completion push, and keeps scanning
the hosts to deploy, kill or drop workers as their state changes.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (default: fleet.yaml in /etc/fleet, ~/.config/fleet or .)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	_ = a.v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildWorkerCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildKillAllCommand())
	return rootCmd
}

// load reads the configuration and installs the default logger.
func (a *app) load(cmd *cobra.Command) error {
	for _, b := range a.bindings[cmd] {
		if err := a.v.BindPFlag(b[0], cmd.Flags().Lookup(b[1])); err != nil {
			return fmt.Errorf("bind --%s: %w", b[1], err)
		}
	}
	if a.configFile != "" {
		a.v.SetConfigFile(a.configFile)
	}
	if err := config.Read(a.v); err != nil {
		return err
	}
	if a.verbose {
		a.v.Set("log.level", "debug")
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, a.errOut)
	slog.SetDefault(a.logger)

	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("Config file loaded", "path", used, "command", cmd.Name())
	}
	return nil
}

func newLogger(cfg config.Log, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// bindFlag ties a command flag to a config key once cmd runs; the flag
// wins only when set on the command line.
func (a *app) bindFlag(cmd *cobra.Command, key, flag string) {
	if cmd.Flags().Lookup(flag) == nil {
		panic(fmt.Sprintf("cli: no flag --%s on %s", flag, cmd.Name()))
	}
	a.bindings[cmd] = append(a.bindings[cmd], [2]string{key, flag})
}

var errNoStateFile = errors.New("coordinator.state_file is not set")
