package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed.com/internal/quotes/model"
)

func quote(sym, price string) model.QuoteEvent {
	return model.QuoteEvent{
		Symbol:            sym,
		Price:             decimal.RequireFromString(price),
		ProviderID:        "P1",
		UpstreamTimestamp: time.Unix(1_700_000_000, 0).UTC(),
		IngestTimestamp:   time.Unix(1_700_000_001, 0).UTC(),
	}
}

func TestMemQueue_ReadAckInOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	require.NoError(t, q.EnsureGroup(ctx, "P1", "relay"))

	for _, p := range []string{"1", "2", "3"} {
		_, err := q.Append(ctx, "P1", quote("AAPL", p))
		require.NoError(t, err)
	}

	got, err := q.Read(ctx, ReadArgs{Group: "relay", Consumer: "c1", Partitions: []string{"P1"}, Count: 10})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.True(t, got[i].Event.Price.Equal(decimal.RequireFromString(want)))
		assert.Equal(t, int64(1), got[i].DeliveryCount)
	}
	assert.Equal(t, 3, q.Pending("P1", "relay"))

	// 已投递的不会被再次当作新条目读到
	again, err := q.Read(ctx, ReadArgs{Group: "relay", Consumer: "c1", Partitions: []string{"P1"}, Count: 10})
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, "relay", "P1", got[0].ID, got[1].ID))
	assert.Equal(t, 1, q.Pending("P1", "relay"))

	pend, err := q.ReadPending(ctx, ReadArgs{Group: "relay", Consumer: "c1", Partitions: []string{"P1"}})
	require.NoError(t, err)
	require.Len(t, pend, 1)
	assert.Equal(t, got[2].ID, pend[0].ID)
}

func TestMemQueue_ClaimAfterVisibilityWindow(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	q.SetClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return now })

	require.NoError(t, q.EnsureGroup(ctx, "P1", "relay"))
	_, err := q.Append(ctx, "P1", quote("BTC", "65000"))
	require.NoError(t, err)

	// c1 读了但没 ack 就“崩了”
	got, err := q.Read(ctx, ReadArgs{Group: "relay", Consumer: "c1", Partitions: []string{"P1"}, Count: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)

	claimed, err := q.Claim(ctx, "relay", "c2", "P1", 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "窗口内不应被认领")

	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()

	claimed, err = q.Claim(ctx, "relay", "c2", "P1", 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, got[0].ID, claimed[0].ID)
	assert.Equal(t, int64(2), claimed[0].DeliveryCount)
	assert.Equal(t, "BTC", claimed[0].Event.Symbol)

	// 认领后归 c2 所有
	own, err := q.ReadPending(ctx, ReadArgs{Group: "relay", Consumer: "c2", Partitions: []string{"P1"}})
	require.NoError(t, err)
	assert.Len(t, own, 1)
}

func TestMemQueue_TrimKeepsNewest(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(2)
	require.NoError(t, q.EnsureGroup(ctx, "P1", "relay"))
	for _, p := range []string{"1", "2", "3"} {
		_, err := q.Append(ctx, "P1", quote("AAPL", p))
		require.NoError(t, err)
	}
	n, err := q.Len(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := q.Read(ctx, ReadArgs{Group: "relay", Consumer: "c1", Partitions: []string{"P1"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Event.Price.Equal(decimal.RequireFromString("2")))
}

func TestMemQueue_BlockingReadWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	require.NoError(t, q.EnsureGroup(ctx, "P1", "relay"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Append(ctx, "P1", quote("ETH", "3000"))
	}()

	got, err := q.Read(ctx, ReadArgs{Group: "relay", Consumer: "c1", Partitions: []string{"P1"}, Block: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Event.Symbol)
}

func TestMemQueue_BlockingReadTimesOut(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	require.NoError(t, q.EnsureGroup(ctx, "P1", "relay"))

	got, err := q.Read(ctx, ReadArgs{Group: "relay", Consumer: "c1", Partitions: []string{"P1"}, Block: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGroupByPartition(t *testing.T) {
	m := GroupByPartition([]Entry{{Partition: "P1", ID: "1"}, {Partition: "P2", ID: "2"}, {Partition: "P1", ID: "3"}})
	assert.Equal(t, []string{"1", "3"}, m["P1"])
	assert.Equal(t, []string{"2"}, m["P2"])
}
