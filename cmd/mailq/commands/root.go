package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/config"
	"github.com/busybox42/mailq/internal/datasource"
	"github.com/busybox42/mailq/internal/engine"
	"github.com/busybox42/mailq/internal/lock"
	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// app holds what a command invocation has loaded
type app struct {
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "mailq",
		Short: "Persistent priority mail queue",
		Long: `mailq holds outgoing mail in a durable priority queue and delivers it
over SMTP, deferring failed messages for a later retry.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for some commands
			switch cmd.Name() {
			case "help", "version", "completion", "generate", "validate":
				return nil
			}

			cfg, err := config.LoadConfig(a.configPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			a.cfg = cfg

			closer, err := logging.Setup(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("error setting up logging: %w", err)
			}
			a.logCloser = closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				a.logCloser.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to configuration file")

	rootCmd.AddCommand(
		newSendCmd(a),
		newLoopCmd(a),
		newRetryCmd(a),
		newEnqueueCmd(a),
		newBlacklistCmd(a),
		newStatusCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) openStore() (queue.Store, error) {
	store, err := datasource.Factory(a.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	return store, nil
}

func (a *app) transport() transport.Transport {
	return transport.New(a.cfg.TransportConfig(), a.cfg.BreakerConfig())
}

// statsStore connects to the shared statistics server when one is
// configured. A connection failure is logged and statistics are skipped.
func (a *app) statsStore() *metrics.ValkeyStore {
	if a.cfg.Metrics.StatsAddr == "" {
		return nil
	}
	vs, err := metrics.NewValkeyStore(a.cfg.Metrics.StatsAddr, a.cfg.Metrics.StatsPrefix)
	if err != nil {
		slog.Warn("Failed to connect to statistics store", "addr", a.cfg.Metrics.StatsAddr, "error", err)
		return nil
	}
	return vs
}

func (a *app) engineOptions() engine.Options {
	d := a.cfg.Delivery
	return engine.Options{
		LockName:        a.cfg.Lock.Name,
		LockWaitTimeout: a.cfg.LockWaitTimeout(),
		BlockSize:       d.BlockSize,
		PauseSend:       d.PauseSend,
		DisableAuditLog: d.DisableAuditLog,
		EmptyQueueSleep: seconds(d.EmptyQueueSleep),
	}
}

func (a *app) newEngine(store queue.Store, stats *metrics.ValkeyStore) (*engine.Engine, error) {
	locker, err := lock.New(a.cfg.LockConfig())
	if err != nil {
		return nil, err
	}

	var opts []engine.Option
	if stats != nil {
		opts = append(opts, engine.WithStats(stats))
	}
	return engine.New(store, a.transport(), locker, a.engineOptions(), opts...), nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
