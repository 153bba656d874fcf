package datasource

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/xerr"
)

// WireMapper canonical symbol -> provider wire symbol，纯函数
type WireMapper func(symbol string, class model.AssetClass) (string, error)

// base 两种引擎共用的状态：订阅集合、wire 映射、连接状态。
// 这些状态只由 adapter 自己写，State() 给外部一份拷贝。
type base struct {
	profile model.ProviderProfile
	deps    Deps
	logCtx  context.Context

	mu         sync.RWMutex
	connected  bool
	running    bool
	subscribed []string          // 按订阅顺序，重连后按这个顺序重订
	wire       map[string]string // canonical -> wire
	canon      map[string]string // upper(wire) -> canonical
	consecErrs int

	lastMsg atomic.Int64 // unix nano
}

type mapped struct {
	sym  string
	wire string
}

func newBase(p model.ProviderProfile, d Deps) base {
	return base{
		profile: p,
		deps:    d,
		logCtx:  logger.With(context.Background(), zap.String("provider", p.ID), zap.String("kind", p.Kind)),
		wire:    make(map[string]string),
		canon:   make(map[string]string),
	}
}

func (b *base) ID() string { return b.profile.ID }

func (b *base) State() model.AdapterState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := model.AdapterState{
		ProviderID:        b.profile.ID,
		Connected:         b.connected,
		Running:           b.running,
		Subscribed:        slices.Clone(b.subscribed),
		ConsecutiveErrors: b.consecErrs,
	}
	if n := b.lastMsg.Load(); n > 0 {
		st.LastMessageAt = time.Unix(0, n)
	}
	return st
}

func (b *base) touch() { b.lastMsg.Store(b.deps.Now().UnixNano()) }

func (b *base) sinceLastMessage() time.Duration {
	n := b.lastMsg.Load()
	if n == 0 {
		return 0
	}
	return b.deps.Now().Sub(time.Unix(0, n))
}

func (b *base) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
	if v {
		feedmetrics.UpstreamConns.WithLabelValues(b.profile.ID).Set(1)
	} else {
		feedmetrics.UpstreamConns.WithLabelValues(b.profile.ID).Set(0)
	}
}

func (b *base) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *base) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

// recordError 返回累计的连续错误数
func (b *base) recordError() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecErrs++
	return b.consecErrs
}

func (b *base) resetErrors() {
	b.mu.Lock()
	b.consecErrs = 0
	b.mu.Unlock()
}

// resolve 过滤已订阅的，剩下的做 wire 映射；资产类别未知、不支持或映射失败的进 rejected
func (b *base) resolve(symbols []string, m WireMapper) ([]mapped, map[string]error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []mapped
	rejected := map[string]error{}
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := b.wire[s]; ok {
			continue
		}
		class, ok := b.deps.Resolver.AssetClass(s)
		if !ok || !b.profile.Supports(class) {
			rejected[s] = xerr.ErrUnsupportedSymbol
			continue
		}
		w, err := m(s, class)
		if err != nil {
			rejected[s] = err
			continue
		}
		out = append(out, mapped{sym: s, wire: w})
	}
	return out, rejected
}

func (b *base) track(ms []mapped) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, x := range ms {
		if _, ok := b.wire[x.sym]; ok {
			continue
		}
		b.wire[x.sym] = x.wire
		b.canon[strings.ToUpper(x.wire)] = x.sym
		b.subscribed = append(b.subscribed, x.sym)
	}
}

// untrack 返回实际移除的条目（带 wire symbol，用来发退订消息）
func (b *base) untrack(symbols []string) []mapped {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []mapped
	for _, s := range symbols {
		w, ok := b.wire[s]
		if !ok {
			continue
		}
		delete(b.wire, s)
		delete(b.canon, strings.ToUpper(w))
		out = append(out, mapped{sym: s, wire: w})
	}
	if len(out) > 0 {
		b.subscribed = slices.DeleteFunc(b.subscribed, func(s string) bool {
			_, keep := b.wire[s]
			return !keep
		})
	}
	return out
}

// wireSymbols 按订阅顺序
func (b *base) wireSymbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subscribed))
	for _, s := range b.subscribed {
		out = append(out, b.wire[s])
	}
	return out
}

func (b *base) canonical(wire string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.canon[strings.ToUpper(wire)]
	return s, ok
}

// emit 归一化后写队列。队列不可用时按退避策略阻塞重试（背压，不丢），
// 次数用完把 QueueUnavailable 错误往上抛，由编排器处理。
func (b *base) emit(ctx context.Context, t Tick) error {
	sym, ok := b.canonical(t.Wire)
	if !ok {
		// 退订之后还在路上的 tick
		return nil
	}
	now := b.deps.Now().UTC()
	ev := model.QuoteEvent{
		Symbol:            sym,
		Price:             t.Price,
		Volume:            t.Volume,
		ProviderID:        b.profile.ID,
		UpstreamTimestamp: t.Ts.UTC(),
		IngestTimestamp:   now,
	}
	if t.Ts.IsZero() {
		ev.UpstreamTimestamp = now
	}

	err := b.deps.Backoff.Retry(ctx, func(ctx context.Context) error {
		_, err := b.deps.Sink.Append(ctx, b.profile.ID, ev)
		if err != nil && ctx.Err() == nil {
			feedmetrics.QueueAppendErrorsTotal.WithLabelValues(b.profile.ID).Inc()
			logger.Warn(b.logCtx, "append quote failed", zap.String("symbol", sym), zap.Error(err))
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !xerr.IsRetryable(err) {
			return err
		}
		return xerr.New(xerr.QueueUnavailable, "append", b.profile.ID, err)
	}
	feedmetrics.TicksInTotal.WithLabelValues(b.profile.ID).Inc()
	return nil
}

func rejection(provider string, rejected map[string]error) error {
	if len(rejected) == 0 {
		return nil
	}
	feedmetrics.SubOpsTotal.WithLabelValues(provider, "reject").Add(float64(len(rejected)))
	return &SubscribeError{Provider: provider, Rejected: rejected}
}

func chunk(xs []string, n int) [][]string {
	if n <= 0 || len(xs) <= n {
		if len(xs) == 0 {
			return nil
		}
		return [][]string{xs}
	}
	var out [][]string
	for len(xs) > 0 {
		k := min(n, len(xs))
		out = append(out, xs[:k])
		xs = xs[k:]
	}
	return out
}
