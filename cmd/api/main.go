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

	api "container-job-runner/internal/api"
	"container-job-runner/internal/compute"
	"container-job-runner/internal/config"
	"container-job-runner/internal/inflight"
	"container-job-runner/internal/orchestrator"
	"container-job-runner/internal/ratelimit"
	"container-job-runner/internal/store"
	"container-job-runner/internal/telemetry"
)

func main() {
	logger := telemetry.NewLogger("api")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}

	// Missing run settings are reported per request, so the host still starts.
	var provider compute.Provider
	if err := cfg.ValidateRun(); err != nil {
		logger.Warn("runs disabled until configuration is complete", "error", err)
	} else {
		aci, err := compute.NewACI(cfg)
		if err != nil {
			logger.Error("init compute provider", "error", err)
			os.Exit(1)
		}
		provider = aci
	}

	var history api.History
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			logger.Error("migrations", "error", err)
			os.Exit(1)
		}
		history = st
		opts = append(opts, orchestrator.WithRecorder(st))
	}

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		opts = append(opts, orchestrator.WithTracker(inflight.NewTracker(rdb, "")))
	}

	orch := orchestrator.New(cfg, provider, opts...)
	server := api.New(orch, limiter, history, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.ListenPort(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}
