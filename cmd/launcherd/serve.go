package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/edgelauncher/pkg/conn"
	"github.com/cuemby/edgelauncher/pkg/dispatcher"
	"github.com/cuemby/edgelauncher/pkg/log"
	"github.com/cuemby/edgelauncher/pkg/metrics"
	"github.com/cuemby/edgelauncher/pkg/ocispec"
	"github.com/cuemby/edgelauncher/pkg/runner"
	"github.com/cuemby/edgelauncher/pkg/servicemanager"
	"github.com/cuemby/edgelauncher/pkg/statusreceiver"
	"github.com/cuemby/edgelauncher/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the launcher core against this node's configuration",
	Long: `serve wires the reconciliation core to concrete collaborators
(BoltDB-backed storage, a containerd or in-memory runner, a local
service manager) per the given config file, applies any configured
initial goal state, and blocks until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to launcherd YAML config file")
	serveCmd.Flags().String("runtime", "", "Override the configured runner backend (memory, containerd)")
	serveCmd.Flags().String("metrics-addr", "", "Override the configured metrics listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("runtime"); v != "" {
		cfg.Runtime = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ServiceBaseDir, 0o755); err != nil {
		return err
	}

	logger := log.WithComponent("launcherd")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	var rt runner.Runner
	switch cfg.Runtime {
	case "", "memory":
		rt = runner.NewMemoryRunner()
	case "containerd":
		cr, err := runner.NewContainerdRunner(cfg.ContainerdSocket)
		if err != nil {
			return err
		}
		defer cr.Close()
		rt = cr
	default:
		logger.Fatal().Str("runtime", cfg.Runtime).Msg("unknown runtime backend")
	}

	svcmgr := servicemanager.NewLocalServiceManager(cfg.ServiceBaseDir)
	publisher := conn.NewManualPublisher()

	d := dispatcher.New(dispatcher.Config{
		Runner:         rt,
		ServiceManager: svcmgr,
		Producer:       ocispec.NewDefaultProducer(),
		Store:          store,
		Receiver:       statusreceiver.NewLoggingReceiver(),
		Publisher:      publisher,
		PoolSize:       cfg.PoolSize,
		Limits:         cfg.limits(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Init(ctx); err != nil {
		return err
	}

	go serveMetrics(logger, cfg.MetricsAddr)

	// Boot replay of the persisted instance set (spec §4.1,
	// "run_last_instances: at start, and again on first cloud-connect").
	if err := d.RunLastInstances(ctx); err != nil {
		logger.Error().Err(err).Msg("boot replay of persisted instances failed")
	}

	d.Start(ctx)

	if cfg.GoalStateFile != "" {
		gs, err := loadGoalState(cfg.GoalStateFile)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load configured goal state file")
		} else {
			services, layers, instances := gs.toModel()
			if err := d.RunInstances(ctx, services, layers, instances, gs.ForceRestart); err != nil {
				logger.Error().Err(err).Msg("failed to apply configured goal state")
			}
		}
	}

	// The control plane's connect signal arrives out of process in
	// production; a future host profile would wire publisher.Connect()
	// to that transport. For now it is driven manually or by tests.
	publisher.Connect()

	logger.Info().Str("data_dir", cfg.DataDir).Str("runtime", cfg.Runtime).Msg("launcherd started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining worker pool")

	d.Stop()
	logger.Info().Msg("launcherd stopped")
	return nil
}

// serveMetrics runs the Prometheus exposition endpoint until the
// process exits; a bind failure is logged, not fatal, since metrics
// are diagnostic rather than load-bearing for the core.
func serveMetrics(logger zerolog.Logger, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
