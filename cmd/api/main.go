package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"sipi/internal/api"
	"sipi/internal/api/auth"
	"sipi/internal/app"
	"sipi/internal/config"
	"sipi/internal/pkg/logger"
	"sipi/internal/pkg/taskqueue"
	"sipi/internal/scheduler"

	"github.com/joho/godotenv"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志与依赖
// 3. 启动后处理 worker 与 janitor
// 4. 启动 HTTP 服务并优雅关闭
func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if created, err := auth.SeedAdmin(ctx, a.Store, cfg.Security.AdminEmail, cfg.Security.AdminPassword); err != nil {
		appLogger.Error("seed admin failed", slog.String("error", err.Error()))
		os.Exit(1)
	} else if created {
		appLogger.Info("admin reviewer created", slog.String("email", cfg.Security.AdminEmail))
	}

	// worker 使用独立的上下文，关闭时先排空队列再停止
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	a.Start(workerCtx)
	scheduler.New(scheduler.Options{
		Reconciler:      a.Pipeline,
		Logger:          appLogger,
		JanitorInterval: cfg.App.JanitorInterval,
		ReconcileBatch:  cfg.App.JanitorBatch,
	}).StartJanitor(ctx)

	deps := api.Deps{
		Config:      cfg,
		Logger:      appLogger,
		Store:       a.Store,
		Coordinator: a.Coordinator,
		Ledger:      a.Ledger,
		Health:      a.Health,
		Pingers: map[string]api.Pinger{
			"postgres": api.PingFunc(a.PingPostgres),
			"redis":    api.PingFunc(a.PingRedis),
		},
	}
	if a.Redis != nil {
		deps.Intake = taskqueue.NewProducer(a.Redis, appLogger, cfg.Intake.Stream)
	}
	srv := api.NewServer(deps)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	// 等待已入队的后处理完成后再关闭连接
	if err := a.Close(cfg.App.ShutdownTimeout); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
