package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sipi:lock:listing:"

// unlockScript 仅在持有者 token 匹配时删除，避免误删他人续占的锁。
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis 基于 SET NX PX 的跨进程租约锁。
type Redis struct {
	rdb  *redis.Client
	ttl  time.Duration
	poll time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		rdb:  rdb,
		ttl:  ttl,
		poll: 25 * time.Millisecond,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := keyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := r.rdb.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock setnx: %w", err)
		}
		if ok {
			break
		}
		wait := r.poll + time.Duration(rand.Int63n(int64(r.poll)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// 使用独立 ctx：调用方 ctx 取消后仍需释放
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, r.rdb, []string{full}, token).Err()
	}, nil
}
