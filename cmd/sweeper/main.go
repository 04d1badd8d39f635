package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"container-job-runner/internal/compute"
	"container-job-runner/internal/config"
	"container-job-runner/internal/inflight"
	"container-job-runner/internal/telemetry"
)

func main() {
	logger := telemetry.NewLogger("sweeper")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required for the sweeper")
		os.Exit(1)
	}
	if err := cfg.ValidateRun(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := compute.NewACI(cfg)
	if err != nil {
		logger.Error("init compute provider", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	sweeper := inflight.NewSweeper(inflight.NewTracker(rdb, ""), provider, cfg.SweepInterval, cfg.CleanupTimeout, logger)
	metrics := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	logger.Info("sweeper started", "interval", cfg.SweepInterval)
	if err := g.Wait(); err != nil {
		logger.Error("sweeper stopped", "error", err)
		os.Exit(1)
	}
}
