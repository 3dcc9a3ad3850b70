package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/api"
	"github.com/t77yq/qa-queue/internal/config"
	"github.com/t77yq/qa-queue/internal/events"
	"github.com/t77yq/qa-queue/internal/executor"
	"github.com/t77yq/qa-queue/internal/handler"
	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/monitor"
	"github.com/t77yq/qa-queue/internal/scheduler"
	"github.com/t77yq/qa-queue/internal/storage"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "qa-queue",
		Short:         "QA task queue and worker supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config/config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the queue, the worker supervisor and the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Run store
	store, err := storage.NewSQLiteRunStore(logger, cfg.Storage.DBPath, cfg.Storage.LogDir)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer store.Close()

	recovered, err := store.RecoverOrphans(ctx, "supervisor restarted")
	if err != nil {
		return fmt.Errorf("failed to recover orphaned runs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("Marked orphaned runs as crashed", zap.Int("count", recovered))
	}

	// Event bus
	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(events.ConnConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.App.Name,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			ConnectRetries: cfg.NATS.ConnectRetries,
		}, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		jsPublisher, err := events.NewJetStreamPublisher(js, logger)
		if err != nil {
			return err
		}
		publisher = jsPublisher
	} else {
		logger.Info("No NATS URL configured, events are not published")
	}

	// Queue and supervisor
	queue := scheduler.NewTaskQueue(logger)
	supervisor := executor.NewSupervisor(queue, store, publisher, executor.SupervisorConfig{
		StalenessThreshold: cfg.Worker.StalenessThreshold(),
		PollInterval:       cfg.Worker.PollInterval,
		StopTimeout:        cfg.Worker.StopTimeout,
		LogFlushInterval:   cfg.Worker.LogFlushInterval,
	}, logger)

	var runner handler.Runner = handler.NewLocalRunner()
	if cfg.QA.DockerImage != "" {
		dockerRunner, err := handler.NewDockerRunner(cfg.QA.DockerImage, logger)
		if err != nil {
			return err
		}
		runner = dockerRunner
	}
	supervisor.RegisterHandler(model.TaskTypeRunQA, handler.NewQARunHandler(runner, handler.QARunConfig{
		Workspace:         cfg.QA.Workspace,
		Command:           cfg.QA.Command,
		Args:              cfg.QA.Args,
		Timeout:           cfg.QA.Timeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, logger))
	supervisor.RegisterHandler(model.TaskTypeSyncNotion, handler.NewSyncHandler(handler.SyncConfig{
		URL:               cfg.Notion.SyncURL,
		Token:             cfg.Notion.Token,
		Timeout:           cfg.Notion.Timeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, logger))

	// Schedules and retention
	cronScheduler := scheduler.NewCronScheduler(queue, logger)
	if err := addSchedules(cronScheduler, cfg.Schedules); err != nil {
		return err
	}
	if cfg.Storage.Retention > 0 {
		retention := cfg.Storage.Retention
		err := cronScheduler.AddFunc("retention", cfg.Storage.RetentionSchedule, func() {
			deleted, err := store.DeleteBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("Failed to delete old runs", zap.Error(err))
				return
			}
			logger.Info("Deleted old runs", zap.Int("count", deleted), zap.Duration("retention", retention))
		})
		if err != nil {
			return err
		}
	}

	// Health and alerts
	alerts := monitor.NewAlertManager(publisher, logger)
	for _, rule := range monitor.DefaultRules(cfg.Health.DiskThresholdPercent, cfg.Health.MemoryThresholdPercent) {
		if err := alerts.AddRule(rule); err != nil {
			return fmt.Errorf("failed to add alert rule: %w", err)
		}
	}
	if cfg.Alerts.WebhookURL != "" {
		alerts.AddChannel("webhook", monitor.NewWebhookChannel(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookHeaders, logger))
	}
	health := monitor.NewHealthMonitor(supervisor, queue, monitor.SystemStats{}, alerts, monitor.HealthConfig{
		DiskPath:               cfg.Health.DiskPath,
		DiskThresholdPercent:   cfg.Health.DiskThresholdPercent,
		MemoryThresholdPercent: cfg.Health.MemoryThresholdPercent,
		Interval:               cfg.Health.Interval,
	}, logger)

	server := api.NewServer(queue, supervisor, health, store, cronScheduler, api.TriggerDefaults{
		Project:        cfg.QA.DefaultProject,
		Branch:         cfg.QA.DefaultBranch,
		TriggeredBy:    cfg.QA.DefaultTriggeredBy,
		NotionDatabase: cfg.Notion.DefaultDatabase,
	}, logger)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Info("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Worker supervisor, schedules and health loop.
	{
		g.Add(
			func() error {
				supervisor.Start(ctx)
				cronScheduler.Start()
				health.Start(ctx)
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
				// cron first so no task is admitted after the slot is torn down
				cronScheduler.Stop()
				health.Stop()
				supervisor.Stop()
			},
		)
	}

	// HTTP API.
	{
		g.Add(
			func() error {
				return server.Start(cfg.Server.Address)
			},
			func(_ error) {
				if err := server.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
					logger.Error("Failed to shut down API server", zap.Error(err))
				}
			},
		)
	}

	logger.Info("QA queue started",
		zap.String("address", cfg.Server.Address),
		zap.Duration("staleness_threshold", cfg.Worker.StalenessThreshold()),
		zap.Bool("docker", cfg.QA.DockerImage != ""))

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Server shutting down gracefully")
	return nil
}

func addSchedules(s *scheduler.CronScheduler, schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		priority, err := model.ParsePriority(sc.Priority)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		var payload json.RawMessage
		if len(sc.Payload) > 0 {
			payload, err = json.Marshal(sc.Payload)
			if err != nil {
				return fmt.Errorf("schedule %q: failed to encode payload: %w", sc.Name, err)
			}
		}
		if err := s.AddSchedule(&scheduler.Schedule{
			Name:       sc.Name,
			Expression: sc.Expression,
			Type:       model.TaskType(sc.Type),
			Priority:   priority,
			Payload:    payload,
		}); err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}
	return nil
}
