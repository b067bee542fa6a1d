package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chat-insights-batch/internal/application"
	"chat-insights-batch/internal/config"
	"chat-insights-batch/internal/infra/logging"
	"chat-insights-batch/internal/infra/metrics"
)

// set via -ldflags
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode: in-memory store allowed, console logs")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := application.New(ctx, cfg, logger, application.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer orch.Close()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start failed")
	}
	logger.Info().Str("version", version).Str("commit", commit).Bool("dev", cfg.Runtime.Dev).Msg("orchestrator running")

	if err := orch.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("ops api stopped")
	}
	logger.Info().Msg("shutdown requested; waiting for in-flight ticks")
}
