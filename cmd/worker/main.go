// Package main provides the worker application entry point.
// The worker processes fetch tasks from the queue: it leases
// credentials, drives the platform strategies under the distributed
// rate limiter, and writes terminal task state back to the log.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/novafoundry/fetcher/internal/adapter/admin"
	"github.com/novafoundry/fetcher/internal/adapter/observability"
	"github.com/novafoundry/fetcher/internal/adapter/queue/redpanda"
	"github.com/novafoundry/fetcher/internal/adapter/repo/postgres"
	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/service/ratelimiter"
	"github.com/novafoundry/fetcher/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Workers are stateless; the instance id only correlates logs
	// across a fleet sharing one consumer group.
	workerID := uuid.New().String()
	logger := observability.SetupLogger(cfg).With(slog.String("worker_id", workerID))
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Expose worker metrics on a dedicated port for scraping.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(context.Background(), cfg.File.Database.URL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.File.RateLimiter.RedisURL)
	if err != nil {
		slog.Error("invalid rate limiter redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	buckets := cfg.File.Buckets
	if buckets == nil {
		buckets = map[string]float64{}
	}
	for name, ch := range cfg.File.Twitter.ThirdChannels {
		if ch.MaxRequestsPerSecond > 0 {
			buckets["twitter:"+name] = ch.MaxRequestsPerSecond
		}
	}
	limiter := ratelimiter.NewRedisLimiter(rdb, buckets)

	proxyURL := ""
	if cfg.File.Proxy.Enabled {
		proxyURL = cfg.File.Proxy.URL
	}
	client, err := fetcher.NewClient(proxyURL)
	if err != nil {
		slog.Error("outbound client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	adminClient := admin.NewClient(admin.StaticLocator(cfg.File.Admin.Addresses), cfg.File.Admin.ServiceName)

	taskRepo := postgres.NewTaskRepo(pool)
	consumer, err := redpanda.NewConsumer(cfg.File.Queue.Brokers, cfg.File.Queue.Topic, cfg.File.Queue.Group, taskRepo)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	deps := worker.NewDeps(cfg, client, limiter, adminClient)
	deps.Register(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			slog.Error("worker error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	slog.Info("worker stopped")
}
