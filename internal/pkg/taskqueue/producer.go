package taskqueue

import (
	"context"
	"log/slog"

	"sipi/internal/model"

	"github.com/redis/go-redis/v9"
)

// Producer 把抓取端的提交写入入库流。
type Producer struct {
	queue  *TaskQueue
	logger *slog.Logger
}

// NewProducer 创建一个新的生产者。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器
//   - streamName: Stream 名称（可选，默认为 DefaultStream）
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName ...string) *Producer {
	stream := ""
	if len(streamName) > 0 {
		stream = streamName[0]
	}
	return &Producer{
		queue:  NewTaskQueue(rdb, logger, stream),
		logger: logger,
	}
}

// Submit 发布一条提交。提交在这里不做校验，校验由入库协调器完成。
func (p *Producer) Submit(ctx context.Context, sub model.Submission, source string) error {
	msg := NewListingMessage(sub, source)
	if err := p.queue.Publish(ctx, msg); err != nil {
		p.logger.Error("submit listing failed",
			slog.String("listing", sub.Key().String()),
			slog.String("source", msg.Source),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// QueueLength 获取当前流长度。
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.queue.Len(ctx)
}
