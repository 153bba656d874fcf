package gateway

import (
	"context"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/ratelimit"
	"quotefeed.com/pkg/xerr"
)

// Breaker 熔断打开期间 Forward 直接失败，不去打已知挂掉的网关
type Breaker struct {
	next Gateway
	name string
	m    *ratelimit.Manager
}

func NewBreaker(next Gateway, m *ratelimit.Manager, name string) *Breaker {
	if name == "" {
		name = "gateway"
	}
	return &Breaker{next: next, name: name, m: m}
}

func (b *Breaker) Forward(ctx context.Context, quotes []model.EnrichedQuote) error {
	err := b.m.Do(b.name, func() error { return b.next.Forward(ctx, quotes) })
	if err != nil && !xerr.IsKind(err, xerr.GatewayUnreachable) && xerr.IsRetryable(err) {
		// 熔断器拒绝
		return unreachable("forward", err)
	}
	return err
}

func (b *Breaker) Reconnect(ctx context.Context) error { return b.next.Reconnect(ctx) }

func (b *Breaker) Close() error { return b.next.Close() }
