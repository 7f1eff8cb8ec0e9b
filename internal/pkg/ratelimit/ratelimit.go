package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"sipi/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitTimeout 在 ctx 到期前未能拿到令牌。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// KeyPrefix 令牌桶在 Redis 中的 key 前缀，后接依赖名称（如 gazetteer:postgis）。
const KeyPrefix = "sipi:ratelimit:"

// Limiter 限制对外部依赖（地名库后端）的调用速率。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// reserveLua 尝试从桶中取一个令牌。
// 返回 0 表示已取得；否则返回还需等待的毫秒数。
// KEYS[1]=桶 ARGV: rate(token/s) burst now(ms)
const reserveLua = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens")) or burst
local last = tonumber(redis.call("HGET", KEYS[1], "ts")) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) * rate / 1000.0)
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst * 2000.0 / rate))
return wait
`

// fallbackWait 脚本未给出等待时间时的重试间隔。
const fallbackWait = 50 * time.Millisecond

// maxJitter 错开同时醒来的等待者。
const maxJitter = 10 * time.Millisecond

// RateLimiter 基于 Redis 的分布式令牌桶，多个 ingestor 实例共享同一个桶。
type RateLimiter struct {
	rdb    redis.Scripter
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisRateLimiter 创建令牌桶限流器。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器，可为 nil
//   - name: 依赖名称，为空时使用 "default"
//   - rate: 每秒补充的令牌数，<=0 表示不限流
//   - burst: 桶容量
func NewRedisRateLimiter(rdb redis.Scripter, logger *slog.Logger, name string, rate float64, burst float64) *RateLimiter {
	if name == "" {
		name = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    KeyPrefix + name,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(reserveLua),
	}
}

func (r *RateLimiter) disabled() bool {
	return r == nil || r.rdb == nil || r.rate <= 0 || r.burst <= 0
}

// Acquire 阻塞直到拿到一个令牌；ctx 到期返回 ErrRateLimitTimeout。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r.disabled() {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	for {
		wait, err := r.reserve(ctx)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := sleep(ctx, wait+time.Duration(rand.Int63n(int64(maxJitter)))); err != nil {
			metrics.RateLimitTimeoutTotal.Inc()
			r.logger.Debug("gave up waiting for token",
				slog.String("key", r.key),
				slog.Duration("waited", time.Since(start)))
			return ErrRateLimitTimeout
		}
	}
}

// reserve 执行一次取令牌脚本，返回 0 表示已取得。
func (r *RateLimiter) reserve(ctx context.Context) (time.Duration, error) {
	ms, err := r.script.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, time.Now().UnixMilli()).Int64()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.RateLimitTimeoutTotal.Inc()
		return 0, ErrRateLimitTimeout
	case err != nil:
		return 0, fmt.Errorf("ratelimit script: %w", err)
	case ms < 0:
		return fallbackWait, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
