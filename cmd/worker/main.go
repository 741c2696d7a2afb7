// Command worker starts the communication worker: the queue engine, the
// proactive scheduler and the background maintenance loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dealerline/commsworker/internal/adapter/attachment"
	"github.com/dealerline/commsworker/internal/adapter/messenger"
	"github.com/dealerline/commsworker/internal/adapter/observability"
	"github.com/dealerline/commsworker/internal/adapter/repo/postgres"
	"github.com/dealerline/commsworker/internal/adapter/template"
	"github.com/dealerline/commsworker/internal/adapter/tenant"
	"github.com/dealerline/commsworker/internal/app"
	"github.com/dealerline/commsworker/internal/config"
	"github.com/dealerline/commsworker/internal/domain"
	"github.com/dealerline/commsworker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := connectCentral(ctx, cfg)
	if err != nil {
		slog.Error("central db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobsRepo := postgres.NewJobsRepo(pool, cfg.MaxRetries)
	tenantsRepo := postgres.NewTenantsRepo(pool)
	templatesRepo := postgres.NewTemplatesRepo(pool)

	gateway := tenant.NewGateway(tenantsRepo, nil, int32(cfg.TenantPoolMaxConns))
	defer gateway.Close()

	renderer, err := template.NewRenderer(templatesRepo, cfg.TemplateCacheTTL)
	if err != nil {
		slog.Error("template catalogue load failed", slog.Any("error", err))
		os.Exit(1)
	}

	var email domain.EmailMessenger = messenger.NewEmailRouter(messenger.NewSendGrid(), messenger.NewResend())
	var sms domain.SMSMessenger = messenger.NewTwilio()
	if cfg.IsTest() {
		// No real deliveries from test environments.
		stub := messenger.Stub{}
		email, sms = stub, stub
	}
	handlers := usecase.NewHandlers(email, sms, gateway, attachment.NewFetcher())

	engine := app.NewEngine(jobsRepo, gateway, handlers.Registry(), logger,
		cfg.PollInterval(), cfg.MaxConcurrentJobs, cfg.RetryDelay())
	scheduler := app.NewScheduler(jobsRepo, tenantsRepo, gateway, renderer, logger,
		cfg.ServiceReminderHourUTC, cfg.InvoiceReminderHourUTC, cfg.AppointmentSweepInterval())

	sweeper := app.NewStuckJobSweeper(jobsRepo, logger, cfg.StuckJobMaxAge, cfg.StuckJobSweepInterval)
	go sweeper.Run(ctx)

	if cfg.DataRetentionDays > 0 {
		cleanup := app.NewCleanupService(jobsRepo, logger, cfg.DataRetentionDays, cfg.CleanupInterval)
		go cleanup.RunPeriodic(ctx)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	metricsSrv := startMetricsServer(cfg.MetricsPort)

	engine.Start(ctx)
	scheduler.Start(ctx)
	slog.Info("communication worker started",
		slog.Duration("poll_interval", cfg.PollInterval()),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		engine.Stop()
		scheduler.Stop()
		cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		slog.Warn("shutdown timeout exceeded, exiting with work in flight")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
	slog.Info("communication worker stopped")
}

// connectCentral opens the central pool and waits for the database to accept
// connections; a worker often boots before its database in compose setups.
func connectCentral(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, cfg.CentralDBURL, 10)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	err = backoff.Retry(func() error {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := pool.Ping(pingCtx); err != nil {
			slog.Warn("central db not ready, retrying", slog.Any("error", err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=main.connect_central: %w", err)
	}
	return pool, nil
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}
