package xredis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_SingleHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	a := NewLease(rdb, "feed-ingest:leader", time.Second)
	b := NewLease(rdb, "feed-ingest:leader", time.Second)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "另一个节点不能抢到")

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "持有者重入即续期")

	require.NoError(t, b.Release(ctx))
	assert.Equal(t, a.ID(), mustGet(t, mr, "feed-ingest:leader"), "非持有者释放无效")

	require.NoError(t, a.Release(ctx))
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
