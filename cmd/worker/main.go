package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"safereply/internal/app"
	"safereply/internal/config"
	"safereply/internal/schedule"
	"safereply/pkg/logger"
	"safereply/pkg/otel"
	"safereply/pkg/redis"
)

// worker 进程：定时轮询 Gmail / 群聊并保持 Gmail 令牌活跃
func main() {
	cfg := config.Load()
	log := logger.NewLogger(cfg.Env)
	defer log.Sync()

	log.Info("Starting safereply worker...", zap.String("env", cfg.Env))

	if !cfg.Scheduler.Enabled {
		log.Warn("Scheduler disabled, worker exits")
		return
	}

	shutdownOTel, err := otel.Init(cfg.OTel, log)
	if err != nil {
		log.Warn("OpenTelemetry init failed, continuing without tracing", zap.Error(err))
		shutdownOTel = func() {}
	}
	defer shutdownOTel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Init failed", zap.Error(err))
	}
	defer a.Close()

	opt := redis.AsynqOpt(cfg.Redis)

	scheduler, err := schedule.NewScheduler(opt, cfg.Scheduler, log)
	if err != nil {
		log.Fatal("Scheduler init failed", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		a.SystemDown("スケジューラーの起動に失敗しました", err)
		log.Fatal("Scheduler start failed", zap.Error(err))
	}

	worker := schedule.NewWorker(a.Orchestrator, a.Sources, a.Stores.Users, a.Gmail, cfg.Pipeline.MaxResults, log)
	server := schedule.NewServer(opt, cfg.Scheduler, log)
	if err := server.Start(worker.Mux()); err != nil {
		a.SystemDown("ワーカーの起動に失敗しました", err)
		log.Fatal("Worker start failed", zap.Error(err))
	}

	log.Info("Worker running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down safereply worker gracefully...")
	scheduler.Shutdown()
	server.Shutdown()

	log.Info("safereply worker shutdown complete")
}
