package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/app"
	"quotefeed.com/pkg/config"
	"quotefeed.com/pkg/logger"
)

const service = "feed-ingest"

var configFile = flag.String("f", "", "the config file, default ./config/feed-ingest.yaml")

func main() {
	flag.Parse()

	// SIGINT/SIGTERM 取消 ctx，编排器停 adapter、HTTP 优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg app.IngestConfig
	if _, err := config.LoadFile(service, *configFile, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = service
	}
	logger.InitWithOptions(cfg.Log.Options(cfg.Name))
	defer logger.Sync()

	ing, err := app.NewIngest(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "init ingest", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	defer ing.Close()

	logger.Info(ctx, "ingest starting", zap.Int("providers", len(cfg.Orchestrator.Profiles)), zap.String("http", cfg.HTTP.Addr))
	if err := ing.Run(ctx); err != nil {
		logger.Error(ctx, "ingest exited", zap.Error(err))
		ing.Close()
		logger.Sync()
		os.Exit(1)
	}
	logger.Info(context.Background(), "ingest stopped")
}
