// Package main runs the capacity maintenance workers: expired hold sweeping,
// counter reconciliation and deferred waitlist promotion.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/capacity/config"
	"github.com/aura-webinar/capacity/internal/app"
	"github.com/aura-webinar/capacity/pkg/redis"
	"github.com/aura-webinar/capacity/pkg/telemetry"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Capacity.StorageDriver == config.StorageDriverMemory {
		logger.Fatal("the worker needs a shared ledger; set STORAGE_DRIVER=postgres")
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config(cfg.Telemetry))
	if err != nil {
		logger.Fatal("telemetry", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ledger", zap.Error(err))
	}
	defer stores.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	core := app.NewCore(stores, rdb.Client, cfg.Capacity, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := core.RunWorkers(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
