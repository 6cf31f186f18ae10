package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindowScript 在一个 ZSET 上原子地完成剔除、计数和追加。
// score 为毫秒时间戳；被拒绝时返回最早一条的 score 用于计算 RetryAfter。
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, count, tonumber(oldest[2])}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// RedisBackend 把时间戳保存在 Redis ZSET 中，多个实例可共享同一份限流状态。
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend 创建 Redis 后端。prefix 会拼接在每个 key 前面。
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Hit 实现 Backend 接口。
func (r *RedisBackend) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error) {
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		nowMs, window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis script failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected redis reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldestMs, _ := vals[2].(int64)

	if allowed == 1 {
		return Result{Allowed: true, Remaining: limit - int(count)}, nil
	}
	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retryAfterSeconds(time.UnixMilli(oldestMs), now, window),
	}, nil
}
