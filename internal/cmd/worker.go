package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/annoflow/internal/config"
	"github.com/3leaps/annoflow/internal/observability"
	"github.com/3leaps/annoflow/internal/server"
	"github.com/3leaps/annoflow/internal/server/handlers"
	"github.com/3leaps/annoflow/pkg/lifecycle"
	"github.com/3leaps/annoflow/pkg/workarea"
)

// Stage names.
const (
	stageDispatch = "dispatch"
	stageArchive  = "archive"
	stageRestore  = "restore"
	stageThaw     = "thaw"
)

var allStages = []string{stageDispatch, stageArchive, stageRestore, stageThaw}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run lifecycle queue consumers",
	Long: `Run one or all lifecycle stages as long-lived queue consumers.

Each stage receives from its configured queue, handles messages one at a time
per receive loop, and deletes a message only after it was handled. Run several
processes (or raise "workers") to scale a stage.

Examples:
  annoflow worker dispatch
  annoflow worker archive --config /etc/annoflow/annoflow.yaml
  annoflow worker all`,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	for _, name := range append(append([]string{}, allStages...), "all") {
		stages := []string{name}
		short := fmt.Sprintf("Consume the %s queue", name)
		if name == "all" {
			stages = allStages
			short = "Run every stage in one process"
		}
		workerCmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runWorker(cmd, stages)
			},
		})
	}
}

func runWorker(cmd *cobra.Command, stages []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(appIdentity.BinaryName, cfg.Logging)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := newBackends(cfg, logger)
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("Failed to close backends", zap.Error(err))
		}
	}()

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signal", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{identity: GetAppIdentity()})

	var pollers []*lifecycle.Poller
	for _, name := range stages {
		ps, err := buildPollers(ctx, b, name)
		if err != nil {
			logger.Error("Failed to start stage", zap.String("stage", name), zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start "+name+" stage", err)
		}
		for _, p := range ps {
			health.RegisterChecker(p.Name(), p)
		}
		pollers = append(pollers, ps...)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		g.Go(func() error {
			if err := p.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", p.Name(), err)
			}
			return nil
		})
	}
	if cfg.Health.Enabled {
		srv := server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithLogger(logger.Named("http")),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
			server.WithStats(func() any {
				stats := make([]lifecycle.PollerStats, 0, len(pollers))
				for _, p := range pollers {
					stats = append(stats, p.Stats())
				}
				return stats
			}),
		)
		g.Go(func() error { return srv.Start(gctx, cfg.Server.ShutdownTimeout) })
	}

	logger.Info("Workers started", zap.Strings("stages", stages), zap.Int("loops", len(pollers)))
	err = g.Wait()
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker stopped", err)
	case ctx.Err() != nil:
		logger.Info("Workers stopped on signal")
	}
	return nil
}

// buildPollers builds the handler for one stage and cfg.Workers receive
// loops over its queue.
func buildPollers(ctx context.Context, b *backends, name string) ([]*lifecycle.Poller, error) {
	queueName, err := stageQueue(b.cfg, name)
	if err != nil {
		return nil, err
	}
	h, err := buildHandler(ctx, b, name)
	if err != nil {
		return nil, err
	}
	recv, err := b.receiver(ctx, name, queueName)
	if err != nil {
		return nil, err
	}

	pc := pollerConfig(b.cfg)
	pollers := make([]*lifecycle.Poller, 0, b.cfg.Workers)
	for i := 0; i < b.cfg.Workers; i++ {
		loop := name
		if b.cfg.Workers > 1 {
			loop = fmt.Sprintf("%s-%d", name, i)
		}
		pollers = append(pollers, lifecycle.NewPoller(loop, recv, h, b.logger.Named(loop), pc))
	}
	return pollers, nil
}

func stageQueue(cfg *config.Config, name string) (string, error) {
	var q string
	switch name {
	case stageDispatch:
		q = cfg.Queues.Dispatch
	case stageArchive:
		q = cfg.Queues.Archive
	case stageRestore:
		q = cfg.Queues.Restore
	case stageThaw:
		q = cfg.Queues.Thaw
	default:
		return "", fmt.Errorf("unknown stage %q", name)
	}
	if q == "" {
		return "", fmt.Errorf("queues.%s is required", name)
	}
	return q, nil
}

func buildHandler(ctx context.Context, b *backends, name string) (lifecycle.Handler, error) {
	log := b.logger.Named(name)
	records, err := b.records(ctx)
	if err != nil {
		return nil, err
	}

	switch name {
	case stageDispatch:
		if len(b.cfg.Dispatch.Command) == 0 {
			return nil, errors.New("dispatch.command is required")
		}
		hot, err := b.hot(ctx)
		if err != nil {
			return nil, err
		}
		area := workarea.New(b.cfg.Dispatch.WorkRoot)
		return &lifecycle.Dispatcher{
			Records: records,
			Inputs:  hot,
			Area:    area,
			Launcher: &workarea.ProcessLauncher{
				Area:    area,
				Command: b.cfg.Dispatch.Command,
				OnExit: func(jobID string, err error) {
					if err != nil {
						log.Warn("Annotator exited with error", zap.String("job_id", jobID), zap.Error(err))
						return
					}
					log.Debug("Annotator exited", zap.String("job_id", jobID))
				},
			},
			Logger:          log,
			StaleClaimAfter: b.cfg.Dispatch.StaleClaimAfter,
		}, nil

	case stageArchive:
		hot, err := b.hot(ctx)
		if err != nil {
			return nil, err
		}
		vault, err := b.vault(ctx)
		if err != nil {
			return nil, err
		}
		profiles, err := b.profiles(ctx)
		if err != nil {
			return nil, err
		}
		return &lifecycle.Archiver{
			Records:                   records,
			Profiles:                  profiles,
			Hot:                       hot,
			Vault:                     vault,
			Logger:                    log,
			FreeRetention:             b.cfg.Archive.FreeRetention,
			RetryBufferMaxMemoryBytes: b.cfg.Archive.RetryBufferMaxMemoryBytes,
		}, nil

	case stageRestore:
		vault, err := b.vault(ctx)
		if err != nil {
			return nil, err
		}
		thaw, err := b.publisher(ctx, "thaw", b.cfg.Topics.Thaw)
		if err != nil {
			return nil, err
		}
		return &lifecycle.RestoreInitiator{Records: records, Vault: vault, Thaw: thaw, Logger: log}, nil

	case stageThaw:
		hot, err := b.hot(ctx)
		if err != nil {
			return nil, err
		}
		vault, err := b.vault(ctx)
		if err != nil {
			return nil, err
		}
		return &lifecycle.Thawer{
			Records:                   records,
			Hot:                       hot,
			Vault:                     vault,
			Logger:                    log,
			PollInterval:              b.cfg.Thaw.PollInterval,
			RetryBufferMaxMemoryBytes: b.cfg.Archive.RetryBufferMaxMemoryBytes,
		}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", name)
}
