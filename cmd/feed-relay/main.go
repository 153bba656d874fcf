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

const service = "feed-relay"

var configFile = flag.String("f", "", "the config file, default ./config/feed-relay.yaml")

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg app.RelayConfig
	if _, err := config.LoadFile(service, *configFile, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = service
	}
	logger.InitWithOptions(cfg.Log.Options(cfg.Name))
	defer logger.Sync()

	r, err := app.NewRelay(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "init relay", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	defer r.Close()

	logger.Info(ctx, "relay starting",
		zap.Strings("partitions", cfg.Relay.Partitions),
		zap.String("gateway", cfg.Gateway.Driver),
		zap.String("refprice", cfg.RefPrice.Driver))
	// 正在转发的那一批在 Run 返回前做完，Close 之后才关网关
	if err := r.Run(ctx); err != nil {
		logger.Error(ctx, "relay exited", zap.Error(err))
		r.Close()
		logger.Sync()
		os.Exit(1)
	}
	logger.Info(context.Background(), "relay stopped")
}
