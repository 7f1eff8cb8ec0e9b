// Package scheduler 运行 ingestor 的后台循环：从 Redis Stream 或 SQS 消费抓取端提交、
// 交给入库协调器，并定期补投未完成的后处理与卡住的变更事件。
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sipi/internal/ingest"
	"sipi/internal/model"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/queue"
	"sipi/internal/pkg/redisqueue"
	"sipi/internal/pkg/sqsintake"
	"sipi/internal/pkg/taskqueue"
)

// Ingester 入库协调器。
type Ingester interface {
	Ingest(ctx context.Context, sub model.Submission) (ingest.Result, error)
}

// Reconciler 补投仍需后处理的房源。
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (int, error)
}

// Scheduler 管理入口消费与 janitor。
type Scheduler struct {
	ingester   Ingester
	reconciler Reconciler
	logger     *slog.Logger
	queue      *queue.Queue

	consumer *taskqueue.Consumer
	receiver *sqsintake.Receiver
	maxRetry int
	events   *redisqueue.Client

	janitorInterval time.Duration
	janitorTimeout  time.Duration
	reconcileBatch  int
}

// Options 调度器依赖与参数。Consumer 与 Receiver 至少设置一个。
type Options struct {
	Ingester   Ingester
	Reconciler Reconciler
	Logger     *slog.Logger
	// Workers 并发入库数（默认 8）
	Workers  int
	Consumer *taskqueue.Consumer
	Receiver *sqsintake.Receiver
	// MaxRetry SQS 消息的最大接收次数，超过后删除并记入日志
	MaxRetry int
	Events   *redisqueue.Client

	JanitorInterval time.Duration
	JanitorTimeout  time.Duration
	ReconcileBatch  int
}

// New 创建调度器。
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	if opts.JanitorTimeout <= 0 {
		opts.JanitorTimeout = 10 * time.Minute
	}
	if opts.ReconcileBatch <= 0 {
		opts.ReconcileBatch = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		ingester:        opts.Ingester,
		reconciler:      opts.Reconciler,
		logger:          opts.Logger,
		queue:           queue.NewQueue(opts.Logger, opts.Workers, opts.Workers*4),
		consumer:        opts.Consumer,
		receiver:        opts.Receiver,
		maxRetry:        opts.MaxRetry,
		events:          opts.Events,
		janitorInterval: opts.JanitorInterval,
		janitorTimeout:  opts.JanitorTimeout,
		reconcileBatch:  opts.ReconcileBatch,
	}
}

// Run 启动 worker 池与入口循环，阻塞直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	s.queue.Start(ctx)
	defer func() {
		if err := s.queue.Shutdown(30 * time.Second); err != nil && !errors.Is(err, queue.ErrClosed) {
			s.logger.Error("intake queue shutdown", slog.String("error", err.Error()))
		}
	}()

	switch {
	case s.consumer != nil:
		return s.consumeStream(ctx)
	case s.receiver != nil:
		return s.consumeSQS(ctx)
	default:
		return errors.New("no intake source configured")
	}
}

func (s *Scheduler) consumeStream(ctx context.Context) error {
	s.logger.Info("stream intake started", slog.String("group", s.consumer.GroupName()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.consumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.logger.Error("read intake stream failed", slog.String("error", err.Error()))
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			s.enqueueMessage(ctx, msg)
		}
	}
}

// enqueueMessage 阻塞入队，形成对 Stream 读取的背压。
func (s *Scheduler) enqueueMessage(ctx context.Context, msg *taskqueue.Delivery) {
	err := s.queue.EnqueueBlocking(ctx, func(ctx context.Context) error {
		s.handleMessage(ctx, msg)
		return nil
	})
	if err != nil {
		// 未确认的消息留在 PEL 中，稍后被 XAUTOCLAIM 认领
		s.logger.Warn("enqueue intake message failed",
			slog.String("msg_id", msg.ID),
			slog.String("error", err.Error()))
	}
}

// handleMessage 入库一条 Stream 消息：成功确认，校验失败直接进死信，其余错误重试。
func (s *Scheduler) handleMessage(ctx context.Context, msg *taskqueue.Delivery) {
	sub := msg.Message.Submission
	res, err := s.ingester.Ingest(ctx, sub)
	if err == nil {
		metrics.IntakeMessagesTotal.WithLabelValues("stream", string(res.Outcome)).Inc()
		if err := s.consumer.Ack(ctx, msg.ID); err != nil {
			s.logger.Error("ack intake message failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
		}
		return
	}

	if errors.Is(err, model.ErrValidation) {
		metrics.IntakeMessagesTotal.WithLabelValues("stream", "invalid").Inc()
		s.logger.Warn("invalid submission dead-lettered",
			slog.String("msg_id", msg.ID),
			slog.String("listing", sub.Key().String()),
			slog.String("error", err.Error()))
		if dlqErr := s.consumer.DeadLetter(ctx, msg, err); dlqErr != nil {
			s.logger.Error("dead-letter intake message failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", dlqErr.Error()))
		}
		return
	}

	action, ferr := s.consumer.HandleFailure(ctx, msg, err)
	metrics.IntakeMessagesTotal.WithLabelValues("stream", string(action)).Inc()
	s.logger.Warn("ingest from stream failed",
		slog.String("msg_id", msg.ID),
		slog.String("listing", sub.Key().String()),
		slog.String("action", string(action)),
		slog.Int("retry", msg.Message.Retry),
		slog.String("error", err.Error()))
	if ferr != nil {
		s.logger.Error("handle intake failure failed",
			slog.String("msg_id", msg.ID),
			slog.String("error", ferr.Error()))
	}
}

func (s *Scheduler) consumeSQS(ctx context.Context) error {
	s.logger.Info("sqs intake started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.receiver.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.logger.Error("receive sqs intake failed", slog.String("error", err.Error()))
			sleep(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			msg := msg
			if err := s.queue.EnqueueBlocking(ctx, func(ctx context.Context) error {
				s.handleSQSMessage(ctx, msg)
				return nil
			}); err != nil {
				// 可见性超时后 SQS 会重新投递
				s.logger.Warn("enqueue sqs message failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) handleSQSMessage(ctx context.Context, msg sqsintake.Message) {
	res, err := s.ingester.Ingest(ctx, msg.Submission)
	var result string
	switch {
	case err == nil:
		result = string(res.Outcome)
	case errors.Is(err, model.ErrValidation):
		result = "invalid"
	case msg.ReceiveCount >= s.maxRetry:
		result = "dropped"
	default:
		metrics.IntakeMessagesTotal.WithLabelValues("sqs", "retry").Inc()
		s.logger.Warn("ingest from sqs failed, releasing",
			slog.String("listing", msg.Submission.Key().String()),
			slog.Int("receive_count", msg.ReceiveCount),
			slog.String("error", err.Error()))
		if rerr := s.receiver.Release(ctx, msg.Handle); rerr != nil {
			s.logger.Error("release sqs message failed", slog.String("error", rerr.Error()))
		}
		return
	}

	metrics.IntakeMessagesTotal.WithLabelValues("sqs", result).Inc()
	if err != nil {
		s.logger.Warn("sqs submission discarded",
			slog.String("listing", msg.Submission.Key().String()),
			slog.String("result", result),
			slog.String("error", err.Error()))
	}
	if derr := s.receiver.Delete(ctx, msg.Handle); derr != nil {
		s.logger.Error("delete sqs message failed", slog.String("error", derr.Error()))
	}
}

// StartJanitor 定期补投后处理并救回卡住的变更事件。
func (s *Scheduler) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.janitorInterval)
	s.logger.Info("janitor started", slog.String("interval", s.janitorInterval.String()))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runJanitor(ctx)
			}
		}
	}()
}

func (s *Scheduler) runJanitor(ctx context.Context) {
	jctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if s.reconciler != nil {
		n, err := s.reconciler.Reconcile(jctx, s.reconcileBatch)
		if err != nil {
			s.logger.Error("janitor failed to reconcile listings", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("janitor rescheduled listings", slog.Int("count", n))
		}
	}

	if s.events == nil {
		return
	}
	count, err := s.events.RescueStuck(jctx, s.janitorTimeout)
	if err != nil {
		s.logger.Error("janitor failed to rescue events", slog.String("error", err.Error()))
		return
	}
	if count > 0 {
		s.logger.Info("janitor rescued stuck events", slog.Int("count", count))
	}
	queued, inflight, err := s.events.Depth(jctx)
	if err == nil {
		s.logger.Debug("change event queue depth",
			slog.Int64("queued", queued),
			slog.Int64("processing", inflight))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
