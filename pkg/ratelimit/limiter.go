// Package ratelimit 提供按客户端维度的滑动窗口限流。
//
// 算法：每个 key 维护窗口内的请求时间戳。每次检查时先惰性剔除
// windowStart（now - window）及更早的时间戳；剩余数量达到上限则拒绝，
// 并根据最早一条时间戳的过期时间计算 RetryAfter；否则记录 now 并放行。
//
// 这里只有固定的窗口上限，没有 burst 容量（与令牌桶不同）。
// 状态存放在 Backend 中：单实例用 MemoryBackend，多实例用 RedisBackend。
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// Backend 保存每个 key 的请求时间戳，并原子地完成“剔除-计数-追加”。
type Backend interface {
	// Hit 在 key 的窗口内尝试记录一次请求。被拒绝的请求不会被记录。
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error)
}

// Result 是一次限流检查的结果。
type Result struct {
	Allowed bool
	// Remaining 是本次检查之后窗口内还能放行的请求数。
	Remaining int
	// RetryAfter 是被拒绝时建议的重试等待秒数，放行时为 0。
	RetryAfter int
}

// Config 描述窗口长度和窗口内的请求上限。
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// DefaultConfig 每个客户端每 60 秒最多 60 次请求。
var DefaultConfig = Config{Window: time.Minute, MaxRequests: 60}

// Limiter 把限流参数和存储后端组合在一起。
type Limiter struct {
	backend Backend
	cfg     Config
	now     func() time.Time
}

// Option 用于定制 Limiter。
type Option func(*Limiter)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New 创建一个新的 Limiter。
func New(backend Backend, cfg Config, opts ...Option) (*Limiter, error) {
	if backend == nil {
		return nil, errors.New("ratelimit: backend is required")
	}
	if cfg.Window <= 0 || cfg.MaxRequests <= 0 {
		return nil, errors.New("ratelimit: window and max requests must be positive")
	}
	l := &Limiter{backend: backend, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check 对 key 执行一次限流检查。
func (l *Limiter) Check(ctx context.Context, key string) (Result, error) {
	return l.backend.Hit(ctx, key, l.now(), l.cfg.Window, l.cfg.MaxRequests)
}

// Config 返回限流参数。
func (l *Limiter) Config() Config {
	return l.cfg
}

// retryAfterSeconds 计算最早一条时间戳离开窗口还需要的秒数（向上取整，至少 1 秒）。
func retryAfterSeconds(oldest, now time.Time, window time.Duration) int {
	wait := oldest.Add(window).Sub(now)
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
