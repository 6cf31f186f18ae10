package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisStore 把键值对保存在 Redis 中，所有 key 都带上 namespace 前缀。
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore 创建 Redis 存储。namespace 用于与同库的其他数据隔离，可为空。
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return data, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.namespace+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.namespace+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Keys 使用 SCAN 遍历，不阻塞 Redis。
// 前缀里含有通配符时退化为全量扫描，再按字面量前缀过滤。
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	full := r.namespace + prefix
	pattern := full + "*"
	if strings.ContainsAny(full, `*?[]\`) {
		pattern = "*"
	}

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); strings.HasPrefix(k, full) {
			keys = append(keys, strings.TrimPrefix(k, r.namespace))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return sorted(keys), nil
}

// Close 不关闭共享的 Redis 客户端。
func (r *RedisStore) Close() error { return nil }
