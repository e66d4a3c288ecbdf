package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"nexus-inventory/internal/pkg/redis"
)

const unlockScriptName = "lock_release"

// 只有持有者自己的 token 才能删除锁，避免误删别人在 TTL 过期后拿到的锁。
var unlockScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// RedisLocker 基于 SET NX PX 的互斥锁。TTL 兜底进程崩溃的情况。
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker 创建 Redis 锁。ttl 必须大于任何一个临界区的最长执行时间。
func NewRedisLocker(client *redis.Client, prefix string, ttl, wait time.Duration) (*RedisLocker, error) {
	if err := client.LoadScriptFromContent(unlockScriptName, unlockScript); err != nil {
		return nil, fmt.Errorf("failed to load unlock script: %w", err)
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
		retry:  10 * time.Millisecond,
	}, nil
}

// Acquire 实现 Locker。
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	backoff := l.retry

	for {
		ok, err := l.client.GetClient().SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil && err != goredis.Nil {
			return nil, fmt.Errorf("redis lock %s: %w", lockKey, err)
		}
		if ok {
			return func() { l.release(lockKey, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *RedisLocker) release(lockKey, token string) {
	// 释放不受调用方 ctx 影响，否则取消的请求会把锁留到 TTL 过期
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.client.RunScript(ctx, unlockScriptName, []string{lockKey}, token); err != nil {
		log.Error().Err(err).Str("key", lockKey).Msg("failed to release redis lock")
	}
}
