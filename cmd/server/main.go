// Package main runs the capacity HTTP API with graceful shutdown. The
// maintenance workers run in-process unless RUN_WORKERS=false.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/capacity/config"
	"github.com/aura-webinar/capacity/internal/app"
	"github.com/aura-webinar/capacity/internal/auth"
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
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
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
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	router := app.NewRouter(core, jwtService, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	waitWorkers := func() {}
	if cfg.Capacity.RunWorkers {
		waitWorkers = core.RunWorkers(workerCtx)
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("storage", cfg.Capacity.StorageDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	workerCancel()
	waitWorkers()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
