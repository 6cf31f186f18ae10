// Package kv 提供简单的键值存储抽象，供对话记录持久化使用。
// 值以原始字节保存，序列化由调用方负责。
package kv

import (
	"context"
	"sort"
)

// Store 是键值存储的最小接口。
type Store interface {
	// Get 返回 key 对应的值；key 不存在时 ok 为 false，err 为 nil。
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set 写入或覆盖 key。
	Set(ctx context.Context, key string, value []byte) error
	// Delete 删除 key，key 不存在时不报错。
	Delete(ctx context.Context, key string) error
	// Keys 返回所有以 prefix 开头的 key，按字典序排列。
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func sorted(keys []string) []string {
	sort.Strings(keys)
	return keys
}
