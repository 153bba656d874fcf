package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed.com/pkg/xerr"
)

func TestBackoff_BoundedAndCapped(t *testing.T) {
	b := Policy{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, MaxAttempts: 4, Jitter: 0.01}.New()

	var got []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		got = append(got, d)
	}
	require.Len(t, got, 4)
	for _, d := range got {
		assert.LessOrEqual(t, d, 41*time.Millisecond)
	}
	assert.Greater(t, got[2], got[0], "应当指数增长")

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	_, ok := b.Next()
	assert.True(t, ok)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Policy{Base: time.Millisecond, MaxAttempts: 5}.Retry(context.Background(), func(context.Context) error {
		calls++
		return xerr.New(xerr.NonRetryable, "connect", "p1", xerr.ErrAuthRejected)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, xerr.ErrAuthRejected)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("reset")
	err := Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}.Retry(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	assert.Equal(t, 4, calls, "首次 + 3 次重试")
	assert.ErrorIs(t, err, boom)
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Policy{Base: time.Millisecond, MaxAttempts: 5}.Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_CtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Policy{Base: time.Second}.Retry(ctx, func(context.Context) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}
