package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"videoscan/internal/align"
	"videoscan/internal/cli"
	"videoscan/internal/config"
	"videoscan/internal/logging"
	"videoscan/internal/pipeline"
	"videoscan/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("run database unavailable, continuing without persistence", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := align.NewProgressTracker()
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg, tracker)
	defer pipe.Stop()

	rootCmd := cli.NewRootCmd(cfg, log, store, pipe)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
