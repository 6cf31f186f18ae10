package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend 把时间戳保存在进程内存中，进程重启即清空。
// 一把全局锁保证“剔除-计数-追加”不会丢失更新；
// maxKeys 限制同时跟踪的 key 数量，<=0 表示不限制。
type MemoryBackend struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	maxKeys  int
}

// NewMemoryBackend 创建一个新的内存后端。
func NewMemoryBackend(maxKeys int) *MemoryBackend {
	return &MemoryBackend{
		requests: make(map[string][]time.Time),
		maxKeys:  maxKeys,
	}
}

// Hit 实现 Backend 接口。
func (m *MemoryBackend) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowStart := now.Add(-window)
	recent := evict(m.requests[key], windowStart)

	if len(recent) >= limit {
		m.requests[key] = recent
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfterSeconds(recent[0], now, window),
		}, nil
	}

	if _, tracked := m.requests[key]; !tracked {
		m.makeRoomLocked(windowStart)
	}
	recent = append(recent, now)
	m.requests[key] = recent
	return Result{Allowed: true, Remaining: limit - len(recent)}, nil
}

// Len 返回当前跟踪的 key 数量。
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// makeRoomLocked 在达到 maxKeys 时先清理已经完全过期的 key，
// 仍然放不下时淘汰最近一次请求最早的 key。调用方必须持有锁。
func (m *MemoryBackend) makeRoomLocked(windowStart time.Time) {
	if m.maxKeys <= 0 || len(m.requests) < m.maxKeys {
		return
	}

	for k, ts := range m.requests {
		if len(evict(ts, windowStart)) == 0 {
			delete(m.requests, k)
		}
	}
	if len(m.requests) < m.maxKeys {
		return
	}

	var victim string
	var victimLast time.Time
	for k, ts := range m.requests {
		last := ts[len(ts)-1]
		if victim == "" || last.Before(victimLast) {
			victim, victimLast = k, last
		}
	}
	delete(m.requests, victim)
}

// evict 丢弃 <= windowStart 的时间戳。时间戳按追加顺序递增。
func evict(ts []time.Time, windowStart time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(windowStart) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
