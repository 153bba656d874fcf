package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quotefeed.com/pkg/metrics"
)

// Store 按 key（provider id）维护各自的限流器。
// 每个 key 的速率来自 provider profile 的 calls_per_minute，burst 固定为 1：
// 令牌桶 burst>1 时任意滚动 60s 窗口内可能超出配额，burst=1 等价于最小调用间隔。
type Store struct {
	mu      sync.RWMutex
	entries map[string]*rate.Limiter
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*rate.Limiter, 16)}
}

// PerMinute 把每分钟次数换算成 rate.Limit；<=0 表示不限流
func PerMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(n))
}

// Register 注册 key 的配额。key 已存在时沿用原来的限流器，只在速率变化时 SetLimit：
// adapter 每次重启都会重新 Register，换新限流器会白送一个令牌。
func (s *Store) Register(key string, callsPerMinute int) *rate.Limiter {
	limit := PerMinute(callsPerMinute)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.entries[key]; ok {
		if l.Limit() != limit {
			l.SetLimit(limit)
		}
		return l
	}
	l := rate.NewLimiter(limit, 1)
	s.entries[key] = l
	return l
}

func (s *Store) get(key string) *rate.Limiter {
	s.mu.RLock()
	l := s.entries[key]
	s.mu.RUnlock()
	return l
}

// Allow 非阻塞判断；未注册的 key 放行
func (s *Store) Allow(key string) bool {
	return s.AllowAt(key, time.Now())
}

// AllowAt 指定时间点判断，测试用
func (s *Store) AllowAt(key string, at time.Time) bool {
	l := s.get(key)
	if l == nil {
		return true
	}
	return l.AllowN(at, 1)
}

// Wait 阻塞直到拿到令牌或 ctx 取消
func (s *Store) Wait(ctx context.Context, key string) error {
	l := s.get(key)
	if l == nil {
		return nil
	}
	if l.Allow() {
		return nil
	}
	start := time.Now()
	err := l.Wait(ctx)
	metrics.RateLimitWaitSeconds.WithLabelValues(key).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateLimitBlockTotal.WithLabelValues(key, "ctx").Inc()
	}
	return err
}
