// Package backoff is the one retry policy shared by adapters, the orchestrator and the relay.
package backoff

import (
	"context"
	"time"

	cb "github.com/cenkalti/backoff/v5"

	"quotefeed.com/pkg/xerr"
)

// Policy 指数退避 + jitter。MaxAttempts<=0 表示不限次数（只受 ctx 约束）。
type Policy struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      float64       `mapstructure:"jitter"` // 0~1，默认 0.5
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = 300 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter <= 0 || p.Jitter > 1 {
		p.Jitter = 0.5
	}
	return p
}

// Backoff 有状态的退避器，不是并发安全的，每个循环自己持有一个
type Backoff struct {
	policy  Policy
	exp     *cb.ExponentialBackOff
	attempt int
}

func (p Policy) New() *Backoff {
	p = p.withDefaults()
	exp := cb.NewExponentialBackOff()
	exp.InitialInterval = p.Base
	exp.MaxInterval = p.Max
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	exp.Reset()
	return &Backoff{policy: p, exp: exp}
}

// Next 返回下一次等待时长；超过 MaxAttempts 返回 false
func (b *Backoff) Next() (time.Duration, bool) {
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}
	b.attempt++
	return b.exp.NextBackOff(), true
}

func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() {
	b.attempt = 0
	b.exp.Reset()
}

// Wait 等下一次；次数用完返回 false，ctx 取消返回 ctx.Err()
func (b *Backoff) Wait(ctx context.Context) (bool, error) {
	d, ok := b.Next()
	if !ok {
		return false, nil
	}
	return true, Sleep(ctx, d)
}

// Sleep 可被 ctx 打断的 sleep
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry 执行 fn 直到成功、遇到不可重试错误、次数用完或 ctx 取消。
// 返回最后一次 fn 的错误（ctx 取消时返回 ctx.Err()）。
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := p.New()
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !xerr.IsRetryable(err) {
			return err
		}
		more, werr := b.Wait(ctx)
		if werr != nil {
			return werr
		}
		if !more {
			return err
		}
	}
}
