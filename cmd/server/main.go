package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"safereply/internal/app"
	"safereply/internal/config"
	"safereply/internal/httpserver"
	"safereply/pkg/logger"
	"safereply/pkg/otel"
)

func main() {
	cfg := config.Load()
	log := logger.NewLogger(cfg.Env)
	defer log.Sync()

	log.Info("Starting safereply server...", zap.String("env", cfg.Env))

	shutdownOTel, err := otel.Init(cfg.OTel, log)
	if err != nil {
		log.Warn("OpenTelemetry init failed, continuing without tracing", zap.Error(err))
		shutdownOTel = func() {}
	}
	defer shutdownOTel()
	if err := otel.InitHTTPMetrics(otel.Meter("safereply/http")); err != nil {
		log.Warn("HTTP metrics init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Init failed", zap.Error(err))
	}
	defer a.Close()

	// outbox 恢复链路（仅 postgres + MQ）
	recovery, err := a.NewRecovery()
	if err != nil {
		a.SystemDown("MQ 接続に失敗しました", err)
		log.Fatal("Recovery init failed", zap.Error(err))
	}
	deps := httpserver.Deps{
		Ingester:   a.Orchestrator,
		Sources:    a.Sources,
		Actions:    a.Actions,
		Blocklist:  a.Blocklist,
		Users:      a.Stores.Users,
		DB:         a.Stores.DB,
		Redis:      a.Redis,
		Alerter:    a.Emergency,
		MaxResults: cfg.Pipeline.MaxResults,
		LarkToken:  cfg.Lark.VerificationToken,
		JWT:        cfg.JWT,
	}
	if recovery != nil {
		defer recovery.Close()
		recovery.Start(ctx, log, func(err error) {
			a.SystemDown("メッセージキューの購読が停止しました", err)
		})
		deps.Replayer = recovery.Replay
	}

	// 飞书事件：webhook 走 HTTP，ws 走长连接
	if cfg.Lark.EventMode == "webhook" {
		deps.LarkEvents = a.Lark.WebhookHandler()
	} else if cfg.Lark.Configured() {
		go func() {
			if err := a.Lark.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("Lark websocket stopped", zap.Error(err))
			}
		}()
	}

	router := httpserver.NewRouter(deps, log)
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.SystemDown("HTTP サーバーが停止しました", err)
			log.Fatal("Server start failed", zap.Error(err))
		}
	}()

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down safereply server gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("safereply server shutdown complete")
}
