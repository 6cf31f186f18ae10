// Package database 负责创建服务端与终端客户端共用的 Redis 连接。
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"jean-claude-go/internal/config"
	"jean-claude-go/pkg/log"
)

const pingTimeout = 3 * time.Second

// NewRedis 创建 Redis 客户端并测试连接。连接失败时关闭客户端并返回错误。
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.Infof("Redis client connected successfully: %s db=%d", cfg.Addr, cfg.DB)
	return rdb, nil
}
