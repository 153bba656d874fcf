package gateway

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"quotefeed.com/internal/quotes/model"
)

// MemGateway 进程内网关：本地开发和测试用。SetDown(true) 模拟网关不可达。
// Subscribe 的订阅者是 at-most-once 扇出，慢订阅者直接丢。
type MemGateway struct {
	down     atomic.Bool
	forwards atomic.Int64

	mu        sync.RWMutex
	delivered []model.EnrichedQuote
	subs      []chan model.EnrichedQuote
}

func NewMem() *MemGateway { return &MemGateway{} }

func (g *MemGateway) SetDown(down bool) { g.down.Store(down) }

func (g *MemGateway) Forward(ctx context.Context, quotes []model.EnrichedQuote) error {
	if g.down.Load() {
		return unreachable("forward", ErrClosed)
	}
	g.forwards.Add(1)
	g.mu.Lock()
	g.delivered = append(g.delivered, quotes...)
	subs := g.subs
	g.mu.Unlock()

	for _, q := range quotes {
		for _, ch := range subs {
			select {
			case ch <- q:
			default:
			}
		}
	}
	return nil
}

func (g *MemGateway) Reconnect(ctx context.Context) error {
	if g.down.Load() {
		return unreachable("reconnect", ErrClosed)
	}
	return nil
}

func (g *MemGateway) Close() error { return nil }

// Delivered 目前为止送达的全部报价（按送达顺序）
func (g *MemGateway) Delivered() []model.EnrichedQuote {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.delivered)
}

// Forwards 成功的 Forward 调用次数
func (g *MemGateway) Forwards() int64 { return g.forwards.Load() }

func (g *MemGateway) Subscribe(ctx context.Context) <-chan model.EnrichedQuote {
	ch := make(chan model.EnrichedQuote, 4096)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		g.subs = slices.DeleteFunc(g.subs, func(c chan model.EnrichedQuote) bool { return c == ch })
		g.mu.Unlock()
	}()
	return ch
}
