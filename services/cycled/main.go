package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cycleswap/observability/logging"
	telemetry "cycleswap/observability/otel"
	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/commit"
	"cycleswap/services/cycled/config"
	"cycleswap/services/cycled/events"
	"cycleswap/services/cycled/idempotency"
	"cycleswap/services/cycled/intents"
	"cycleswap/services/cycled/matching"
	cyclemw "cycleswap/services/cycled/middleware"
	"cycleswap/services/cycled/recon"
	"cycleswap/services/cycled/server"
	"cycleswap/services/cycled/settlement"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/sweeper"
)

func main() {
	configPath := flag.String("config", "", "path to cycled configuration (YAML or TOML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("cycled: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Service:    "cycled",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "cycled",
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	st, err := store.Open(store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Debug:        cfg.Database.Debug,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ledger := idempotency.NewLedger(cfg.Idempotency.Retention.Duration)
	recorder := events.NewRecorder()
	pool := intents.NewPool(st, logger)
	matcher := matching.NewService(st, ledger, nil, matching.Config{
		MinCycleLength:    cfg.Matching.MinCycleLength,
		MaxCycleLength:    cfg.Matching.MaxCycleLength,
		MaxCyclesExplored: cfg.Matching.MaxCyclesExplored,
		Timeout:           cfg.Matching.Timeout.Duration,
		ValueToleranceBps: cfg.Matching.ValueToleranceBps,
		AcceptWindow:      cfg.Matching.AcceptWindow.Duration,
	}, logger)
	commits := commit.NewService(st, ledger, recorder, logger)
	settle := settlement.NewService(st, ledger, recorder, commits, logger)
	sw := sweeper.New(st, commits, settle, ledger, cfg.Sweeper.Interval.Duration, logger)

	if cfg.Sweeper.Enabled {
		go sw.Run(ctx)
	}
	if cfg.Recon.Enabled {
		reconciler, err := recon.NewReconciler(recon.Config{
			Store:         st,
			OutputDir:     cfg.Recon.OutputDir,
			DryRun:        cfg.Recon.DryRun,
			RequireSigned: cfg.Recon.RequireSigned,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("init reconciler: %w", err)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window.Duration,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Logger:     logger,
		})
		go scheduler.Start(ctx)
	}

	srv := server.New(server.Config{
		Pool:       pool,
		Matching:   matcher,
		Commits:    commits,
		Settlement: settle,
		Feed:       events.NewFeed(st),
		Sweeper:    sw,
		Health:     st,
		Auth: auth.Config{
			HMACSecret:   cfg.Auth.Secret(),
			Issuer:       cfg.Auth.Issuer,
			Audience:     cfg.Auth.Audience,
			ScopeClaim:   cfg.Auth.ScopeClaim,
			PartnerClaim: cfg.Auth.PartnerClaim,
			ClockSkew:    cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: cyclemw.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		DepositWindow: cfg.Settlement.DepositWindow.Duration,
		LogRequests:   true,
		Gatherers:     []prometheus.Gatherer{prometheus.DefaultGatherer},
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("cycled listening", slog.String("addr", cfg.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
