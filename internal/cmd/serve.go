package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skyforge/provisd/internal/config"
	"github.com/skyforge/provisd/internal/drivers"
	"github.com/skyforge/provisd/internal/observability"
	"github.com/skyforge/provisd/internal/server"
	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/remote"
	"github.com/skyforge/provisd/pkg/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the provisioning daemon",
	Long: `Run the HTTP status facade, the provisioning worker pool, and the
scheduled expiry sweep.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// storeHealth adapts the key-value store to the health endpoint.
type storeHealth struct {
	check func(ctx context.Context) error
}

func (h storeHealth) CheckHealth(ctx context.Context) error {
	return h.check(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	logger := observability.ServerLogger

	kv, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	registry, err := job.NewRegistry(kv, cfg.Jobs.Types...)
	if err != nil {
		return err
	}

	drv := drivers.NewRegistry()
	registerDrivers(drv, cfg, logger)

	provisioner := drivers.NewProvisioner(registry, drv, runner.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.Jobs.PollInterval,
	}, logger)
	defer provisioner.Stop()

	srv := server.New(server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         Version,
	}, provisioner, logger)

	srv.Health().RegisterChecker("store", storeHealth{check: func(ctx context.Context) error {
		_, err := kv.Exists(ctx, "healthz")
		return err
	}})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Jobs.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		swept, err := registry.SweepExpired(sweepCtx)
		if err != nil {
			logger.Warn("expiry sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			logger.Info("expiry sweep removed records", zap.Int("swept", swept))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Jobs.SweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	return srv.ListenAndServe(ctx)
}

// registerDrivers wires the built-in drivers. Real cloud backends hang off
// the same registry; the daemon ships with the loopback fake and the
// remote-agent delegate.
func registerDrivers(drv *drivers.Registry, cfg *config.Config, logger *zap.Logger) {
	for _, op := range []string{"launch", "update", "terminate"} {
		drv.Register("fake", op, drivers.Fake(""))
	}

	if cfg.Agent.BaseURL == "" {
		return
	}
	client, err := remote.New(remote.Config{
		BaseURL:           cfg.Agent.BaseURL,
		RequestsPerSecond: cfg.Agent.RequestsPerSecond,
		RequestTimeout:    cfg.Agent.RequestTimeout,
		PollInterval:      cfg.Agent.PollInterval,
	}, logger)
	if err != nil {
		logger.Warn("agent client disabled", zap.Error(err))
		return
	}
	for _, op := range []string{"launch", "update", "terminate"} {
		drv.Register("agent", op, drivers.RemoteAgent(client, op, 0))
	}
}
