// Package datasource 定义 provider adapter 的统一契约，以及两种引擎：
// Stream（WebSocket 推送）和 Poller（REST 轮询）。具体 provider 只实现协议/方言，
// 编排器和 relay 只认 Adapter 接口。
package datasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/backoff"
	"quotefeed.com/pkg/ratelimit"
	"quotefeed.com/pkg/xerr"
)

type Adapter interface {
	ID() string
	// Connect 幂等：已连接直接返回；上一次失败后可以再调
	Connect(ctx context.Context) error
	// Subscribe 部分失败时返回 *SubscribeError，被接受的 symbol 照常生效
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	// Run 阻塞直到 ctx 取消或连接不可恢复
	Run(ctx context.Context) error
	// HealthCheck 非阻塞
	HealthCheck() bool
	State() model.AdapterState
	Close() error
}

// Tick 协议层解析出来的一条报价，Symbol 还是 provider 的 wire symbol
type Tick struct {
	Wire   string
	Price  decimal.Decimal
	Volume *decimal.Decimal
	Ts     time.Time // 零值表示上游没给时间戳
}

// Sink adapter 的输出，queue.Queue 满足这个接口
type Sink interface {
	Append(ctx context.Context, partition string, ev model.QuoteEvent) (string, error)
}

// SubscribeError Subscribe 部分失败：Rejected 里的 symbol 不会被订阅
type SubscribeError struct {
	Provider string
	Rejected map[string]error
}

func (e *SubscribeError) Error() string {
	syms := e.Symbols()
	return fmt.Sprintf("%s: %d symbol(s) rejected: %s", e.Provider, len(syms), strings.Join(syms, ","))
}

func (e *SubscribeError) Unwrap() error { return xerr.ErrUnsupportedSymbol }

// Symbols 排好序，日志和测试稳定
func (e *SubscribeError) Symbols() []string {
	out := make([]string, 0, len(e.Rejected))
	for s := range e.Rejected {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// RejectedSymbols 取出错误里被拒的 symbol；不是 SubscribeError 返回 nil
func RejectedSymbols(err error) []string {
	var se *SubscribeError
	if errors.As(err, &se) {
		return se.Symbols()
	}
	return nil
}

// Deps adapter 共享的外部依赖，由 app 层组装
type Deps struct {
	Sink     Sink
	Resolver Resolver
	Limits   *ratelimit.Store
	Breakers *ratelimit.Manager
	Backoff  backoff.Policy // 写队列失败时的重试策略
	// OnReject 运行中被上游拒掉的 symbol（轮询型才有），可为空
	OnReject func(provider string, symbols []string)

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Now        func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Limits == nil {
		d.Limits = ratelimit.NewStore()
	}
	if d.Breakers == nil {
		d.Breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if d.Dialer == nil {
		d.Dialer = websocket.DefaultDialer
	}
	if d.Resolver == nil {
		d.Resolver = NewInstrumentSet(nil)
	}
	if d.Backoff.MaxAttempts == 0 {
		d.Backoff = backoff.Policy{Base: 100 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 8}
	}
	return d
}
