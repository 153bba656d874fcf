// Package refprice 参考价（上一交易日收盘价）快照。
// Refresher 定期从 Loader 拉全量，整体替换 Cache 里的只读 map，读方无锁。
package refprice

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/pkg/logger"
)

type snapshot struct {
	prices map[string]decimal.Decimal
	at     time.Time
}

type Cache struct {
	snap atomic.Pointer[snapshot]
}

func NewCache() *Cache {
	c := &Cache{}
	c.Swap(nil)
	return c
}

// Get 没有参考价返回 false
func (c *Cache) Get(symbol string) (decimal.Decimal, bool) {
	p, ok := c.snap.Load().prices[symbol]
	return p, ok
}

// Swap 整体替换；m 交出去之后调用方不能再改
func (c *Cache) Swap(m map[string]decimal.Decimal) {
	if m == nil {
		m = map[string]decimal.Decimal{}
	}
	c.snap.Store(&snapshot{prices: m, at: time.Now()})
	feedmetrics.RefPriceSymbols.Set(float64(len(m)))
}

func (c *Cache) Len() int { return len(c.snap.Load().prices) }

func (c *Cache) UpdatedAt() time.Time { return c.snap.Load().at }

// Loader 返回 symbol -> 参考价
type Loader interface {
	Load(ctx context.Context) (map[string]decimal.Decimal, error)
}

type Refresher struct {
	cache  *Cache
	loader Loader
	every  time.Duration
}

func NewRefresher(c *Cache, l Loader, every time.Duration) *Refresher {
	if every <= 0 {
		every = 10 * time.Minute
	}
	return &Refresher{cache: c, loader: l, every: every}
}

// Refresh 拉一次；失败保留旧快照
func (r *Refresher) Refresh(ctx context.Context) error {
	m, err := r.loader.Load(ctx)
	if err != nil {
		logger.Warn(ctx, "reference price refresh failed, keeping previous snapshot",
			zap.Int("symbols", r.cache.Len()), zap.Error(err))
		return err
	}
	r.cache.Swap(m)
	logger.Debug(ctx, "reference prices refreshed", zap.Int("symbols", len(m)))
	return nil
}

// Run 先拉一次，再按周期刷新，直到 ctx 取消
func (r *Refresher) Run(ctx context.Context) error {
	_ = r.Refresh(ctx)
	t := time.NewTicker(r.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = r.Refresh(ctx)
		}
	}
}

// cutoff 参考价取严格早于当天（UTC）的最后一根日线
func cutoff(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
