package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"container-job-runner/internal/blob"
	"container-job-runner/internal/config"
	"container-job-runner/internal/telemetry"
)

func main() {
	logger := telemetry.NewLogger("upload")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploader, err := blob.NewUploader(ctx, cfg)
	if err != nil {
		logger.Error("init uploader", "error", err)
		os.Exit(1)
	}

	location, err := uploader.Run(ctx)
	if err != nil {
		logger.Error("upload failed", "container", cfg.StorageContainer, "error", err)
		os.Exit(1)
	}
	logger.Info("artifact uploaded", "location", location)
}
