package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sipi/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// FailureAction 处理失败后对消息采取的动作。
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// Delivery 一条投递给 ingestor 的入库消息。
type Delivery struct {
	ID      string // Stream 消息 ID
	Message *ListingMessage
	// Reclaimed 表示消息是从空闲的其他消费者处接管的
	Reclaimed bool
}

// Consumer 入库流的消费者组成员。
//
// 每次 Read 先用 XAUTOCLAIM 接管超过 pendingIdle 未确认的消息（崩溃实例遗留），
// 没有可接管的消息时才读取新消息。
type Consumer struct {
	stream *TaskQueue
	logger *slog.Logger
	group  string
	name   string

	blockTime   time.Duration
	batchSize   int64
	pendingIdle time.Duration
	claimCursor string
	dlq         string
	maxRetry    int
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 的阻塞时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.blockTime = d
		}
	}
}

// WithBatchSize 设置每次读取的最大消息数。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithPendingIdle 设置可被接管的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pendingIdle = d
		}
	}
}

// WithDeadLetterStream 覆盖死信 Stream 名称（默认 "<stream>:dlq"）。
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		if stream != "" {
			c.dlq = stream
		}
	}
}

// WithMaxRetry 设置进入死信前的最大重投次数；0 表示首次失败即进入死信。
func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		if maxRetry >= 0 {
			c.maxRetry = maxRetry
		}
	}
}

// NewConsumer 加入（必要时创建）消费者组。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器
//   - streamName: 入库 Stream，为空时使用 DefaultStream
//   - groupName: 消费者组，必填
//   - consumerID: 组内成员名，为空时按时间生成
//   - opts: 可选配置
func NewConsumer(rdb *redis.Client, logger *slog.Logger, streamName string, groupName string, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, errors.New("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("ingestor-%d", time.Now().UnixNano())
	}

	stream := NewTaskQueue(rdb, logger, streamName)
	c := &Consumer{
		stream:      stream,
		logger:      logger,
		group:       groupName,
		name:        consumerID,
		blockTime:   time.Second,
		batchSize:   10,
		pendingIdle: time.Minute,
		claimCursor: "0-0",
		dlq:         stream.Stream() + ":dlq",
		maxRetry:    3,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := stream.CreateConsumerGroup(context.Background(), groupName); err != nil {
		return nil, err
	}
	logger.Info("intake consumer joined group",
		slog.String("stream", stream.Stream()),
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// GroupName 返回消费者组名称。
func (c *Consumer) GroupName() string { return c.group }

// DeadLetterStream 返回死信 Stream 名称。
func (c *Consumer) DeadLetterStream() string { return c.dlq }

// Read 返回下一批待处理的消息；阻塞最多 blockTime，超时返回空切片。
func (c *Consumer) Read(ctx context.Context) ([]*Delivery, error) {
	reclaimed, err := c.reclaim(ctx)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}
	return c.fresh(ctx)
}

func (c *Consumer) reclaim(ctx context.Context) ([]*Delivery, error) {
	msgs, next, err := c.stream.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream.Stream(),
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.pendingIdle,
		Start:    c.claimCursor,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if next != "" {
		c.claimCursor = next
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	metrics.TaskAutoClaimTotal.Add(float64(len(msgs)))
	c.logger.Info("reclaimed idle intake messages", slog.Int("count", len(msgs)))
	return c.decode(ctx, msgs, true), nil
}

func (c *Consumer) fresh(ctx context.Context) ([]*Delivery, error) {
	res, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream.Stream(), ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []*Delivery
	for _, s := range res {
		out = append(out, c.decode(ctx, s.Messages, false)...)
	}
	return out, nil
}

// decode 解析消息体；无法解析的消息直接进入死信并确认，不返回给调用方。
func (c *Consumer) decode(ctx context.Context, msgs []redis.XMessage, reclaimed bool) []*Delivery {
	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		data, _ := m.Values["data"].(string)
		if data == "" {
			c.quarantine(ctx, m.ID, fmt.Sprint(m.Values), "missing data field")
			continue
		}
		msg, err := parseMessage(data)
		if err != nil {
			c.quarantine(ctx, m.ID, data, err.Error())
			continue
		}
		out = append(out, &Delivery{ID: m.ID, Message: msg, Reclaimed: reclaimed})
	}
	return out
}

// Ack 确认消息已处理。重复确认只记录告警。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	n, err := c.stream.rdb.XAck(ctx, c.stream.Stream(), c.group, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if n == 0 {
		c.logger.Warn("intake message already acked", slog.String("msg_id", msgID))
	}
	return nil
}

// HandleFailure 处理一次临时失败：未超过 maxRetry 时以 retry+1 重新投递，否则进入死信。
// 两种情况下原消息都会被确认。
func (c *Consumer) HandleFailure(ctx context.Context, d *Delivery, cause error) (FailureAction, error) {
	if d == nil || d.Message == nil {
		return FailureActionNone, errors.New("delivery is nil")
	}
	d.Message.Retry++
	if d.Message.Retry > c.maxRetry {
		return FailureActionDLQ, c.DeadLetter(ctx, d, cause)
	}
	if err := c.stream.Publish(ctx, d.Message); err != nil {
		return FailureActionRetry, err
	}
	c.logger.Warn("intake message requeued",
		slog.String("msg_id", d.ID),
		slog.String("listing", d.Message.Submission.Key().String()),
		slog.Int("retry", d.Message.Retry),
		slog.String("error", cause.Error()))
	return FailureActionRetry, c.Ack(ctx, d.ID)
}

// DeadLetter 把提交写入死信 Stream 并确认，用于校验失败等不可重试的情况。
func (c *Consumer) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	if d == nil || d.Message == nil {
		return errors.New("delivery is nil")
	}
	payload, err := json.Marshal(d.Message)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	fields := map[string]interface{}{
		"original_id": d.ID,
		"payload":     string(payload),
		"reason":      cause.Error(),
		"portal":      string(d.Message.Submission.Portal),
		"native_id":   d.Message.Submission.NativeID,
		"source":      d.Message.Source,
		"retry":       d.Message.Retry,
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.stream.publishRaw(ctx, c.dlq, fields); err != nil {
		return err
	}
	metrics.TaskDLQTotal.Inc()
	return c.Ack(ctx, d.ID)
}

func (c *Consumer) quarantine(ctx context.Context, msgID, raw, reason string) {
	c.logger.Error("undecodable intake message",
		slog.String("msg_id", msgID),
		slog.String("reason", reason))
	err := c.stream.publishRaw(ctx, c.dlq, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      reason,
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.TaskDLQTotal.Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack undecodable message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

// Pending 返回组内已投递未确认的消息数。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.Stream(), c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return info.Count, nil
}
