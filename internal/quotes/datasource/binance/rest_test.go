package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/internal/quotes/queue"
	"quotefeed.com/pkg/ratelimit"
)

// fakeTicker /api/v3/ticker/price：symbols 里带了 invalid 中的任何一个就整批回 400 -1121
type fakeTicker struct {
	invalid map[string]bool

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeTicker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var syms []string
	if err := json.Unmarshal([]byte(r.URL.Query().Get("symbols")), &syms); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, syms)
	f.mu.Unlock()

	var out []string
	for _, s := range syms {
		if f.invalid[s] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		out = append(out, fmt.Sprintf(`{"symbol":%q,"price":"10.5"}`, s))
	}
	_, _ = w.Write([]byte("[" + strings.Join(out, ",") + "]"))
}

func (f *fakeTicker) requests() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func restDeps(q datasource.Sink) datasource.Deps {
	return datasource.Deps{
		Sink:   q,
		Limits: ratelimit.NewStore(),
		Resolver: datasource.NewInstrumentSet([]model.Instrument{
			{Symbol: "BTC", AssetClass: model.Crypto, Active: true},
			{Symbol: "ETH", AssetClass: model.Crypto, Active: true},
			{Symbol: "SOL", AssetClass: model.Crypto, Active: true},
			{Symbol: "LUNA", AssetClass: model.Crypto, Active: true},
		}),
	}
}

// 编排器每次重启都会重新构造 adapter，共享的限流配额不能因此被重置
func TestRest_RebuiltAdapterKeepsQuota(t *testing.T) {
	fake := &fakeTicker{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := model.ProviderProfile{
		ID: "bn", Kind: RestKind, URL: srv.URL, AssetClasses: []model.AssetClass{model.Crypto},
		CallsPerMinute: 5, PollInterval: time.Hour,
	}
	deps := restDeps(queue.NewMemQueue(0))

	for i := 0; i < 6; i++ {
		a, err := datasource.New(p, deps)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		require.NoError(t, a.Connect(ctx))
		require.NoError(t, a.Subscribe(ctx, []string{"BTC"}))
		_ = a.Run(ctx)
		cancel()
		require.NoError(t, a.Close())
	}

	assert.Len(t, fake.requests(), 1, "calls_per_minute=5 => one call every 12s, rebuilds must not add tokens")
}

// 一个非法 symbol 让整批 400：拆批找出它交给编排器，其余 symbol 照常出报价
func TestRest_InvalidSymbolIsIsolated(t *testing.T) {
	fake := &fakeTicker{invalid: map[string]bool{"LUNAUSDT": true}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	q := queue.NewMemQueue(0)
	deps := restDeps(q)
	rejected := make(chan []string, 1)
	deps.OnReject = func(provider string, syms []string) { rejected <- syms }

	a, err := datasource.New(model.ProviderProfile{
		ID: "bn", Kind: RestKind, URL: srv.URL, AssetClasses: []model.AssetClass{model.Crypto},
		PollInterval: time.Hour,
	}, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Subscribe(ctx, []string{"BTC", "ETH", "SOL", "LUNA"}))
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case syms := <-rejected:
		assert.Equal(t, []string{"LUNA"}, syms)
	case <-time.After(3 * time.Second):
		t.Fatal("invalid symbol not reported")
	}

	var got []string
	for _, e := range readAll(t, q, 3) {
		got = append(got, e.Event.Symbol)
	}
	assert.ElementsMatch(t, []string{"BTC", "ETH", "SOL"}, got)

	st := a.State()
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, st.Subscribed)
	assert.Zero(t, st.ConsecutiveErrors)
	assert.True(t, a.HealthCheck())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	for _, call := range fake.requests()[1:] {
		assert.Less(t, len(call), 4, "retries only ever narrow the batch")
	}
}

func TestDialect_InvalidSymbol(t *testing.T) {
	d := NewDialect(model.ProviderProfile{})
	assert.True(t, d.InvalidSymbol(http.StatusBadRequest, []byte(`{"code":-1121,"msg":"Invalid symbol."}`)))
	assert.False(t, d.InvalidSymbol(http.StatusBadRequest, []byte(`{"code":-1100}`)))
	assert.False(t, d.InvalidSymbol(http.StatusTooManyRequests, []byte(`{"code":-1121}`)))
	assert.False(t, d.InvalidSymbol(http.StatusBadRequest, []byte(`oops`)))
}
