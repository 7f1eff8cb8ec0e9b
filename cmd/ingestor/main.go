package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sipi/internal/app"
	"sipi/internal/config"
	"sipi/internal/pkg/logger"
	"sipi/internal/pkg/sqsintake"
	"sipi/internal/pkg/taskqueue"
	"sipi/internal/scheduler"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
)

// main 是 ingestor 服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化依赖
// 2. 从 Redis Stream 或 SQS 消费抓取端提交
// 3. 运行 janitor 补偿后处理与卡住的变更事件
// 4. 暴露运维端口（/healthz、/metrics）
// 5. 优雅关闭
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

	opts := scheduler.Options{
		Ingester:        a.Coordinator,
		Reconciler:      a.Pipeline,
		Logger:          appLogger,
		Workers:         cfg.App.WorkerPoolSize,
		MaxRetry:        cfg.Intake.MaxRetry,
		Events:          a.Events,
		JanitorInterval: cfg.App.JanitorInterval,
		ReconcileBatch:  cfg.App.JanitorBatch,
	}
	if err := configureIntake(ctx, cfg, a, appLogger, &opts); err != nil {
		appLogger.Error("init intake failed", slog.String("error", err.Error()))
		_ = a.Close(cfg.App.ShutdownTimeout)
		os.Exit(1)
	}
	sched := scheduler.New(opts)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	a.Start(workerCtx)
	sched.StartJanitor(ctx)

	opsServer := &http.Server{
		Addr:    cfg.App.OpsAddr,
		Handler: newOpsRouter(a),
	}
	go func() {
		appLogger.Info("ops server listening", slog.String("addr", cfg.App.OpsAddr))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("ops server stopped with error", slog.String("error", err.Error()))
		}
	}()

	appLogger.Info("ingestor started", slog.String("source", cfg.Intake.Source))
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("intake loop stopped", slog.String("error", err.Error()))
	}

	appLogger.Info("shutting down ingestor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("ops shutdown error", slog.String("error", err.Error()))
	}
	if err := a.Close(cfg.App.ShutdownTimeout); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
	appLogger.Info("ingestor stopped gracefully")
}

// configureIntake 根据 intake.source 设置 Stream 消费者或 SQS 接收器。
func configureIntake(ctx context.Context, cfg *config.Config, a *app.App, logger *slog.Logger, opts *scheduler.Options) error {
	ic := cfg.Intake
	switch strings.ToLower(ic.Source) {
	case "stream":
		if a.Redis == nil {
			return errors.New("intake.source=stream requires redis.addr")
		}
		consumerID := ic.ConsumerID
		if consumerID == "" {
			host, _ := os.Hostname()
			consumerID = fmt.Sprintf("ingestor-%s-%d", host, os.Getpid())
		}
		consumer, err := taskqueue.NewConsumer(a.Redis, logger, ic.Stream, ic.Group, consumerID,
			taskqueue.WithBatchSize(ic.BatchSize),
			taskqueue.WithBlockTime(ic.BlockTime),
			taskqueue.WithPendingIdle(ic.PendingIdle),
			taskqueue.WithMaxRetry(ic.MaxRetry),
		)
		if err != nil {
			return fmt.Errorf("init stream consumer: %w", err)
		}
		opts.Consumer = consumer
	case "sqs":
		if ic.SQSQueueURL == "" {
			return errors.New("intake.sqs_queue_url is required")
		}
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ic.SQSRegion)}
		if ic.AWSAccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(ic.AWSAccessKeyID, ic.AWSSecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if ic.SQSEndpoint != "" {
				o.BaseEndpoint = aws.String(ic.SQSEndpoint)
			}
		})
		opts.Receiver = sqsintake.NewReceiver(client, ic.SQSQueueURL, ic.SQSWaitSec, logger)
	default:
		return fmt.Errorf("unknown intake source %q", ic.Source)
	}
	return nil
}
