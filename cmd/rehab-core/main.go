package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"rehab-tracking/common/logger"
	"rehab-tracking/internal/config"
	"rehab-tracking/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "rehab-core")
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	log.Info("Starting rehab-core",
		zap.String("db_host", cfg.Database.Host),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("raw_stream", cfg.Pipeline.RawStream))

	svc, err := service.NewService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start service", zap.Error(err))
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	svc.Stop()

	log.Info("rehab-core exited")
}
