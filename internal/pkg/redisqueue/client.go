package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sipi/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey 变更事件列表的默认 key。
const DefaultKey = "sipi:events:changes"

var (
	ErrNoEvent     = errors.New("no event available")
	ErrEventExists = errors.New("event already in queue")
)

// ChangeEvent 是账本记录提交后对外发布的通知。
//
// 下游（报表、通知、搜索索引）从列表中取出事件，处理完成后 Ack。
type ChangeEvent struct {
	ID         string          `json:"id"`
	ListingID  uint            `json:"listing_id"`
	Listing    string          `json:"listing"` // portal:native_id
	Kind       string          `json:"kind"`
	Prior      json.RawMessage `json:"prior,omitempty"`
	Next       json.RawMessage `json:"next,omitempty"`
	Note       string          `json:"note,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Client wraps the Redis list operations behind the change-event feed.
type Client struct {
	rdb        redis.Cmdable
	queue      string
	processing string
	pending    string
	started    string
}

// NewClient creates an event feed client from an existing redis client.
// key 为空时使用 DefaultKey。
func NewClient(rdb redis.Cmdable, key string) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Client{
		rdb:        rdb,
		queue:      key,
		processing: key + ":processing",
		pending:    key + ":pending",
		started:    key + ":started",
	}, nil
}

// Key 返回事件列表的 key。
func (c *Client) Key() string { return c.queue }

// pushScript 原子性地执行 SADD + LPUSH。
// KEYS[1] = pending set, KEYS[2] = queue
// ARGV[1] = event id, ARGV[2] = event JSON
// 返回: 1 = 成功推送, 0 = 事件已存在
var pushScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// Publish 推送一个事件。ID 为空时自动生成；同一 ID 在被 Ack 之前只会入队一次。
func (c *Client) Publish(ctx context.Context, ev *ChangeEvent) error {
	if ev == nil {
		return errors.New("event is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	result, err := pushScript.Run(ctx, c.rdb, []string{c.pending, c.queue}, ev.ID, string(data)).Int()
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("push event script: %w", err)
	}
	if result == 0 {
		metrics.EventsPublishedTotal.WithLabelValues("skipped").Inc()
		return ErrEventExists
	}
	metrics.EventsPublishedTotal.WithLabelValues("pushed").Inc()
	return nil
}

// Pop 阻塞直到有事件或超时，事件被移入 processing 列表并记录开始时间。
func (c *Client) Pop(ctx context.Context, timeout time.Duration) (*ChangeEvent, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	raw, err := c.rdb.BRPopLPush(ctx, c.queue, c.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEvent
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush event: %w", err)
	}

	var ev ChangeEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		// 无法解析的事件直接丢弃，避免卡住 processing 列表
		c.rdb.LRem(ctx, c.processing, 1, raw)
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	c.rdb.HSet(ctx, c.started, ev.ID, time.Now().Unix())
	return &ev, nil
}

// ackScript 从 processing 列表中移除匹配 id 的事件，并清理 pending/started。
// KEYS[1] = processing, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = event id
var ackScript = redis.NewScript(`
	local items = redis.call('LRANGE', KEYS[1], 0, -1)
	local removed = 0
	for _, item in ipairs(items) do
		if string.find(item, '"id":"' .. ARGV[1] .. '"', 1, true) then
			redis.call('LREM', KEYS[1], 1, item)
			removed = removed + 1
			break
		end
	end
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('HDEL', KEYS[3], ARGV[1])
	return removed
`)

// Ack 确认事件已被处理。
func (c *Client) Ack(ctx context.Context, ev *ChangeEvent) error {
	if ev == nil || ev.ID == "" {
		return errors.New("event id is empty")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if _, err := ackScript.Run(ctx, c.rdb, []string{c.processing, c.pending, c.started}, ev.ID).Int(); err != nil {
		return fmt.Errorf("ack event script: %w", err)
	}
	return nil
}

// Depth 返回待处理与处理中的事件数量。
func (c *Client) Depth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, errors.New("redis client is not initialized")
	}
	queued, err := c.rdb.LLen(ctx, c.queue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen events: %w", err)
	}
	inflight, err := c.rdb.LLen(ctx, c.processing).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	return queued, inflight, nil
}

// rescueScript 只有在 LREM 成功时才重新 LPUSH，防止多个 janitor 重复入队。
// KEYS[1] = processing, KEYS[2] = queue, KEYS[3] = started hash
// ARGV[1] = event JSON, ARGV[2] = event id
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuck 把处理超时的事件放回队列，返回重新入队的数量。
func (c *Client) RescueStuck(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, c.started).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}
	items, err := c.rdb.LRange(ctx, c.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(items) == 0 {
		for id := range startedTimes {
			c.rdb.HDel(ctx, c.started, id)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0
	for _, raw := range items {
		var ev ChangeEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.ID == "" {
			continue
		}
		startedStr, ok := startedTimes[ev.ID]
		if ok {
			started, err := strconv.ParseInt(startedStr, 10, 64)
			if err != nil || now-started <= threshold {
				continue
			}
		} else if now-ev.DetectedAt.Unix() <= threshold {
			continue
		}

		result, err := rescueScript.Run(ctx, c.rdb, []string{c.processing, c.queue, c.started}, raw, ev.ID).Int()
		if err != nil {
			continue
		}
		rescued += result
	}
	return rescued, nil
}
