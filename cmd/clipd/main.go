// Package main wires together the clipd orchestrator binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openclip/clipd/internal/api"
	"github.com/openclip/clipd/internal/automation"
	"github.com/openclip/clipd/internal/clock/system"
	"github.com/openclip/clipd/internal/config"
	"github.com/openclip/clipd/internal/discovery"
	"github.com/openclip/clipd/internal/health"
	"github.com/openclip/clipd/internal/logging"
	"github.com/openclip/clipd/internal/metrics"
	"github.com/openclip/clipd/internal/notify"
	"github.com/openclip/clipd/internal/pipeline"
	"github.com/openclip/clipd/internal/processor"
	"github.com/openclip/clipd/internal/queue"
	"github.com/openclip/clipd/internal/ratelimit"
	"github.com/openclip/clipd/internal/scheduler"
	"github.com/openclip/clipd/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, stop); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("clipd exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, stop context.CancelFunc) error {
	store, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	clock := system.New()

	jobQueue := queue.New(store, queue.Config{
		DefaultPriority: cfg.Queue.DefaultPriority,
		MaxRetries:      cfg.Queue.MaxRetries,
	}, logger.Named("queue"))

	resetLoc, err := time.LoadLocation(cfg.RateLimit.ResetTimezone)
	if err != nil {
		return fmt.Errorf("loading reset timezone: %w", err)
	}
	limiter := ratelimit.New(store, ratelimit.Config{
		DailyLimit:  cfg.RateLimit.DailyLimit,
		HourlyLimit: cfg.RateLimit.HourlyLimit,
		ResetHour:   cfg.RateLimit.ResetHour,
		Location:    resetLoc,
	}, clock, logger.Named("ratelimit"))

	monitor := health.New(store, health.Config{
		DiskPath:           cfg.Health.DiskPath,
		DiskWarning:        cfg.Health.DiskWarning,
		DiskCritical:       cfg.Health.DiskCritical,
		MemoryWarning:      cfg.Health.MemoryWarning,
		PendingWarning:     cfg.Health.PendingWarning,
		FailedWarning:      cfg.Health.FailedWarning,
		ErrorWindow:        time.Duration(cfg.Health.ErrorWindowMinutes) * time.Minute,
		ErrorRateThreshold: cfg.Health.ErrorRateThreshold,
		APIKey:             cfg.Health.APIKey,
	}, clock, logger.Named("health"))

	var notifier pipeline.Notifier
	switch cfg.Notify.Provider {
	case "pubsub":
		ps, err := notify.NewPubSubNotifier(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicID, logger.Named("notify"))
		if err != nil {
			return fmt.Errorf("creating pubsub notifier: %w", err)
		}
		defer func() {
			if closeErr := ps.Close(); closeErr != nil {
				logger.Warn("pubsub notifier close failed", zap.Error(closeErr))
			}
		}()
		notifier = ps
	default:
		notifier = notify.NewLogNotifier(logger.Named("notify"))
	}

	proc, err := processor.New(processor.Config{
		Command: cfg.Processing.Command,
		Args:    cfg.Processing.Args,
		WorkDir: cfg.Processing.WorkDir,
	}, logger.Named("processor"))
	if err != nil {
		return fmt.Errorf("creating processor: %w", err)
	}

	discoverer := discovery.New(discovery.Config{
		Feeds:          cfg.Discovery.Feeds,
		MaxPerFeed:     cfg.Discovery.MaxPerFeed,
		UserAgent:      cfg.Discovery.UserAgent,
		RequestsPerSec: cfg.Discovery.RequestsPerSec,
		Timeout:        time.Duration(cfg.Discovery.TimeoutSeconds) * time.Second,
	}, logger.Named("discovery"))

	loop := automation.New(jobQueue, limiter, store, monitor, proc, discoverer, notifier, clock,
		automation.Config{
			MaxPerCycle:     cfg.Automation.MaxPerCycle,
			IdlePoll:        time.Duration(cfg.Automation.PollIntervalSeconds) * time.Second,
			WaitChunk:       time.Duration(cfg.Automation.WaitChunkSeconds) * time.Second,
			DefaultPriority: cfg.Queue.DefaultPriority,
			Processing: pipeline.ProcessOptions{
				ModelSize: cfg.Processing.ModelSize,
				Workers:   cfg.Processing.Workers,
				UseCache:  cfg.Processing.UseCache,
				Upload:    cfg.Processing.Upload,
			},
		}, logger.Named("automation"))

	sched := scheduler.New(clock, logger.Named("scheduler"))
	defer sched.Stop()
	discoveryInterval := time.Duration(cfg.Scheduler.DiscoveryIntervalHours * float64(time.Hour))
	if err := sched.ScheduleInterval(discoveryInterval, "discovery", loop.DiscoverAndQueue); err != nil {
		return fmt.Errorf("scheduling discovery: %w", err)
	}
	healthInterval := time.Duration(cfg.Scheduler.HealthIntervalSeconds) * time.Second
	if err := sched.ScheduleInterval(healthInterval, "health_check", loop.PerformHealthCheck); err != nil {
		return fmt.Errorf("scheduling health check: %w", err)
	}
	if err := sched.ScheduleDaily(cfg.Scheduler.SummaryTime, "daily_summary", loop.SendDailySummary); err != nil {
		return fmt.Errorf("scheduling daily summary: %w", err)
	}

	apiServer := api.NewServer(jobQueue, store, limiter, monitor, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started", zap.Strings("tasks", sched.TaskNames()))
		sched.RunForever(ctx, time.Duration(cfg.Scheduler.PollIntervalSeconds)*time.Second)
	}()

	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("automation loop error", zap.Error(err))
			stop()
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
