// Command worker runs the job-processing pull loops and the timeout
// reaper against the shared Redis queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/project-queue/internal/adapter/generator/stub"
	"github.com/fairyhunter13/project-queue/internal/adapter/observability"
	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/queue"
	"github.com/fairyhunter13/project-queue/internal/worker"
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
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
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

	slog.Info("starting worker process", slog.String("env", cfg.AppEnv))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()

	store := redisstore.New(rdb)
	if err := store.Ping(context.Background()); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	manager := queue.NewManager(store, cfg)
	gen := stub.New(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := queue.NewReaper(store, manager, cfg)
	go reaper.Run(ctx)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(fmt.Sprintf("%s-%d", hostname, i), manager, gen, cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	slog.Info("workers started, waiting for shutdown signal",
		slog.Int("worker_count", cfg.WorkerCount))
	<-ctx.Done()
	wg.Wait()
	slog.Info("worker process stopped")
}
