package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/xerr"
)

// Dialect 一个轮询型 provider 的 REST 方言
type Dialect interface {
	WireSymbol(symbol string, class model.AssetClass) (string, error)
	// MaxBatch 一次请求最多带几个 symbol
	MaxBatch() int
	NewRequest(ctx context.Context, wire []string) (*http.Request, error)
	// Parse 返回报价和被上游拒掉的 wire symbol
	Parse(body []byte, wire []string) ([]Tick, []string, error)
}

// InvalidSymbolDetector 方言可选实现：上游因为批里有不存在的 symbol 整批拒绝时返回 true。
// 轮询引擎据此对半拆批，找出坏 symbol 交给编排器，其余 symbol 照常轮询。
type InvalidSymbolDetector interface {
	InvalidSymbol(status int, body []byte) bool
}

const maxBody = 4 << 20

// Poller REST 轮询引擎：每个周期把订阅集合切批，每批先过限流再过熔断
type Poller struct {
	base
	dialect  Dialect
	interval time.Duration
	batch    int
	ceiling  int
}

func NewPoller(p model.ProviderProfile, d Deps, dialect Dialect) *Poller {
	d = d.withDefaults()
	d.Limits.Register(p.ID, p.CallsPerMinute)

	interval := p.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	batch := dialect.MaxBatch()
	if p.BatchSize > 0 && (batch <= 0 || p.BatchSize < batch) {
		batch = p.BatchSize
	}
	ceiling := p.MaxReconnectAttempts
	if ceiling <= 0 {
		ceiling = 5
	}
	return &Poller{
		base:     newBase(p, d),
		dialect:  dialect,
		interval: interval,
		batch:    batch,
		ceiling:  ceiling,
	}
}

// Connect REST 没有会话，只标记可用
func (p *Poller) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.isConnected() {
		p.touch()
		p.resetErrors()
		p.setConnected(true)
		feedmetrics.ObserveConnect(p.ID(), nil)
	}
	return nil
}

// Subscribe 只改本地轮询集合
func (p *Poller) Subscribe(ctx context.Context, symbols []string) error {
	ms, rejected := p.resolve(symbols, p.dialect.WireSymbol)
	p.track(ms)
	if len(ms) > 0 {
		feedmetrics.SubOpsTotal.WithLabelValues(p.ID(), "sub").Add(float64(len(ms)))
	}
	return rejection(p.ID(), rejected)
}

func (p *Poller) Unsubscribe(ctx context.Context, symbols []string) error {
	if n := len(p.untrack(symbols)); n > 0 {
		feedmetrics.SubOpsTotal.WithLabelValues(p.ID(), "unsub").Add(float64(n))
	}
	return nil
}

func (p *Poller) Run(ctx context.Context) error {
	if !p.isConnected() {
		return xerr.New(xerr.Transient, "run", p.ID(), xerr.ErrNotConnected)
	}
	p.setRunning(true)
	defer func() {
		p.setRunning(false)
		p.setConnected(false)
	}()

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		if err := p.pollOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	wires := p.wireSymbols()
	if len(wires) == 0 {
		p.touch()
		return nil
	}
	for _, batch := range chunk(wires, p.batch) {
		if err := p.pollBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// pollBatch 每个批次请求占一个令牌：不管分到多少 symbol，请求数都不会超过配额。
// 瞬时错误没到上限时返回 nil，接着轮询下一批。
func (p *Poller) pollBatch(ctx context.Context, batch []string) error {
	if err := p.deps.Limits.Wait(ctx, p.ID()); err != nil {
		return err
	}
	start := time.Now()
	ticks, rejected, err := p.fetch(ctx, batch)
	feedmetrics.ObservePoll(p.ID(), time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, xerr.ErrUnsupportedSymbol) {
			return p.bisect(ctx, batch)
		}
		if !xerr.IsRetryable(err) {
			return err
		}
		n := p.recordError()
		logger.Warn(p.logCtx, "poll failed", zap.Int("consecutive", n), zap.Error(err))
		if n >= p.ceiling {
			return xerr.New(xerr.Transient, "poll", p.ID(), errors.Join(xerr.ErrConnectionLost, err))
		}
		return nil
	}
	p.resetErrors()
	p.touch()
	p.reject(rejected)
	for _, t := range ticks {
		if err := p.emit(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// bisect 上游整批拒绝：只剩一个就是它，否则对半拆开分别重试
func (p *Poller) bisect(ctx context.Context, batch []string) error {
	p.resetErrors()
	p.touch()
	if len(batch) == 1 {
		p.reject(batch)
		return nil
	}
	mid := len(batch) / 2
	if err := p.pollBatch(ctx, batch[:mid]); err != nil {
		return err
	}
	return p.pollBatch(ctx, batch[mid:])
}

func (p *Poller) fetch(ctx context.Context, batch []string) (ticks []Tick, rejected []string, err error) {
	err = p.deps.Breakers.Do(p.ID(), func() error {
		req, err := p.dialect.NewRequest(ctx, batch)
		if err != nil {
			return xerr.New(xerr.NonRetryable, "poll", p.ID(), err)
		}
		resp, err := p.deps.HTTPClient.Do(req)
		if err != nil {
			return xerr.New(xerr.Transient, "poll", p.ID(), err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return xerr.New(xerr.Transient, "poll", p.ID(), err)
		}
		if resp.StatusCode >= 400 {
			if d, ok := p.dialect.(InvalidSymbolDetector); ok && d.InvalidSymbol(resp.StatusCode, body) {
				return xerr.New(xerr.NonRetryable, "poll", p.ID(),
					fmt.Errorf("%w: http %d: %.200s", xerr.ErrUnsupportedSymbol, resp.StatusCode, body))
			}
			return classifyHTTP("poll", p.ID(), resp, fmt.Errorf("http %d: %.200s", resp.StatusCode, body))
		}
		ticks, rejected, err = p.dialect.Parse(body, batch)
		return err
	})
	return ticks, rejected, err
}

// reject 上游拒掉的 symbol 从轮询集合里拿掉，交给编排器改派
func (p *Poller) reject(wires []string) {
	if len(wires) == 0 {
		return
	}
	syms := make([]string, 0, len(wires))
	for _, w := range wires {
		if s, ok := p.canonical(w); ok {
			syms = append(syms, s)
		}
	}
	if len(syms) == 0 {
		return
	}
	p.untrack(syms)
	feedmetrics.SubOpsTotal.WithLabelValues(p.ID(), "reject").Add(float64(len(syms)))
	logger.Warn(p.logCtx, "upstream rejected symbols", zap.Strings("symbols", syms))
	if p.deps.OnReject != nil {
		p.deps.OnReject(p.ID(), syms)
	}
}

// HealthCheck 连续错误没到上限，且最近一个周期内有成功的请求
func (p *Poller) HealthCheck() bool {
	if !p.isConnected() {
		return false
	}
	st := p.State()
	if st.ConsecutiveErrors >= p.ceiling {
		return false
	}
	return p.sinceLastMessage() < p.staleAfter(len(st.Subscribed))
}

func (p *Poller) staleAfter(symbols int) time.Duration {
	cycle := p.interval
	if cpm := p.profile.CallsPerMinute; cpm > 0 {
		batches := (symbols + max(p.batch, 1) - 1) / max(p.batch, 1)
		if need := time.Duration(batches) * time.Minute / time.Duration(cpm); need > cycle {
			cycle = need
		}
	}
	return max(3*cycle, p.profile.HealthCheckInterval)
}

func (p *Poller) Close() error {
	p.setConnected(false)
	return nil
}

var _ Adapter = (*Poller)(nil)
