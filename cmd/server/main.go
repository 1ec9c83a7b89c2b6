// Command server starts the queue HTTP API.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/project-queue/internal/adapter/httpserver"
	"github.com/fairyhunter13/project-queue/internal/adapter/observability"
	"github.com/fairyhunter13/project-queue/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/project-queue/internal/app"
	"github.com/fairyhunter13/project-queue/internal/config"
	"github.com/fairyhunter13/project-queue/internal/queue"
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

	tiers, err := cfg.LoadTiers()
	if err != nil {
		slog.Error("tier policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

	manager := queue.NewManager(store, cfg)
	admission := queue.NewAdmission(store, cfg, tiers)
	stats := queue.NewStats(store, cfg)

	// The reaper also runs here so a server-only deployment still
	// recovers orphaned jobs.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	reaper := queue.NewReaper(store, manager, cfg)
	go reaper.Run(ctx)

	srv := httpserver.NewServer(cfg, admission, manager, stats, app.BuildRedisCheck(store))
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
