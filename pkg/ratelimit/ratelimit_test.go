package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed.com/pkg/xerr"
)

// calls_per_minute=5：无论请求多密集，任意滚动 60s 窗口内放行不超过 5 次
func TestStore_RollingWindowNeverExceedsQuota(t *testing.T) {
	s := NewStore()
	s.Register("p1", 5)

	start := time.Unix(1_700_000_000, 0)
	var allowed []time.Time
	for i := 0; i < 3000; i++ { // 5 分钟，每 100ms 一次尝试
		at := start.Add(time.Duration(i) * 100 * time.Millisecond)
		if s.AllowAt("p1", at) {
			allowed = append(allowed, at)
		}
	}
	require.NotEmpty(t, allowed)

	for i := range allowed {
		n := 0
		for j := i; j < len(allowed) && allowed[j].Sub(allowed[i]) < time.Minute; j++ {
			n++
		}
		assert.LessOrEqual(t, n, 5, "window starting at %s", allowed[i])
	}
	assert.GreaterOrEqual(t, len(allowed), 24, "配额应被用满而不是过度限制")
}

// 重复 Register 沿用原限流器：已用掉的令牌不会被补回来，速率变化改在原限流器上
func TestStore_ReRegisterKeepsTokens(t *testing.T) {
	s := NewStore()
	l := s.Register("p1", 5)
	at := time.Unix(1_700_000_000, 0)
	require.True(t, s.AllowAt("p1", at))

	assert.Same(t, l, s.Register("p1", 5))
	assert.False(t, s.AllowAt("p1", at.Add(time.Second)))

	s.Register("p1", 60)
	assert.Equal(t, PerMinute(60), l.Limit())
}

func TestStore_UnregisteredKeyPasses(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Allow("unknown"))
	assert.NoError(t, s.Wait(context.Background(), "unknown"))
}

func TestStore_WaitHonoursCtx(t *testing.T) {
	s := NewStore()
	s.Register("slow", 1)
	require.NoError(t, s.Wait(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Wait(ctx, "slow"))
}

func TestManager_TripsOnTransientOnly(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 2, Timeout: time.Minute}, nil)

	auth := xerr.New(xerr.NonRetryable, "poll", "td", xerr.ErrAuthRejected)
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, m.Do("td", func() error { return auth }), xerr.ErrAuthRejected)
	}

	boom := errors.New("502")
	_ = m.Do("td", func() error { return boom })
	_ = m.Do("td", func() error { return boom })

	err := m.Do("td", func() error { return nil })
	require.Error(t, err)
	assert.True(t, xerr.IsRetryable(err))
	assert.Equal(t, xerr.Transient, xerr.KindOf(err))
}
