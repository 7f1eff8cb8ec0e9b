package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 入库消息的默认 Stream 名称。
const DefaultStream = "sipi:listings:intake"

// DefaultMaxLen Stream 的近似最大长度。
const DefaultMaxLen = 100000

// TaskQueue 入库 Stream 的读写端共享部分：写入、建组、取长度。
type TaskQueue struct {
	rdb    *redis.Client
	logger *slog.Logger
	name   string
	maxLen int64
}

// NewTaskQueue 绑定到一个 Stream；streamName 为空时使用 DefaultStream。
func NewTaskQueue(rdb *redis.Client, logger *slog.Logger, streamName string) *TaskQueue {
	if streamName == "" {
		streamName = DefaultStream
	}
	return &TaskQueue{rdb: rdb, logger: logger, name: streamName, maxLen: DefaultMaxLen}
}

// Stream 返回 Stream 名称。
func (q *TaskQueue) Stream() string { return q.name }

// Publish 把消息序列化到 data 字段后追加到 Stream。
func (q *TaskQueue) Publish(ctx context.Context, msg *ListingMessage) error {
	if msg == nil {
		return errors.New("publish nil listing message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode listing message: %w", err)
	}
	return q.publishRaw(ctx, q.name, map[string]interface{}{"data": string(body)})
}

// publishRaw 追加任意字段到指定 Stream（入库流或死信流）。
func (q *TaskQueue) publishRaw(ctx context.Context, stream string, fields map[string]interface{}) error {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	q.logger.Debug("stream entry added", slog.String("stream", stream), slog.String("msg_id", id))
	return nil
}

// CreateConsumerGroup 从头创建消费者组（Stream 不存在时一并创建）；组已存在不算错误。
func (q *TaskQueue) CreateConsumerGroup(ctx context.Context, groupName string) error {
	if err := q.rdb.XGroupCreateMkStream(ctx, q.name, groupName, "0").Err(); err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create %s/%s: %w", q.name, groupName, err)
	}
	q.logger.Info("intake consumer group created",
		slog.String("stream", q.name),
		slog.String("group", groupName))
	return nil
}

// Len 返回 Stream 中的条目数。
func (q *TaskQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", q.name, err)
	}
	return n, nil
}

// parseMessage 解码 data 字段；缺少房源键的消息视为无效。
func parseMessage(data string) (*ListingMessage, error) {
	msg := new(ListingMessage)
	if err := json.Unmarshal([]byte(data), msg); err != nil {
		return nil, fmt.Errorf("decode listing message: %w", err)
	}
	if msg.Submission.Portal == "" || msg.Submission.NativeID == "" {
		return nil, errors.New("listing message has no portal/native_id")
	}
	return msg, nil
}
