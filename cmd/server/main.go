// Package main provides the intake HTTP service entry point.
// It accepts fetch requests, logs pending tasks, and enqueues work
// items for the background workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/novafoundry/fetcher/internal/adapter/httpserver"
	"github.com/novafoundry/fetcher/internal/adapter/observability"
	"github.com/novafoundry/fetcher/internal/adapter/queue/redpanda"
	"github.com/novafoundry/fetcher/internal/adapter/repo/postgres"
	"github.com/novafoundry/fetcher/internal/app"
	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
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

	slog.Info("starting intake server", slog.String("env", cfg.AppEnv), slog.Int("port", cfg.Port))

	pool, err := postgres.NewPool(context.Background(), cfg.File.Database.URL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	producer, err := redpanda.NewProducer(cfg.File.Queue.Brokers, cfg.File.Queue.Topic, "fetcher-server-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	taskRepo := postgres.NewTaskRepo(pool)
	submit := usecase.NewSubmitService(taskRepo, producer)
	status := usecase.NewStatusService(taskRepo)

	dbCheck := func(ctx context.Context) error {
		_, err := taskRepo.Count(ctx)
		return err
	}
	// The producer keeps its broker connection alive; a closed client
	// surfaces on the next publish, so the health probe only reports
	// configuration presence here.
	queueCheck := func(context.Context) error {
		if len(cfg.File.Queue.Brokers) == 0 {
			return fmt.Errorf("no queue brokers configured")
		}
		return nil
	}

	srv := httpserver.NewServer(cfg, submit, status, dbCheck, queueCheck)
	handler := app.BuildRouter(cfg, srv)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("http server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", slog.Any("error", err))
	}
	slog.Info("server stopped")
}
