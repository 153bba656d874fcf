package datasource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/xerr"
)

// fakeDialect GET /q?s=A,B，应答一行一个 "SYM price"
type fakeDialect struct {
	base string
}

func (d fakeDialect) WireSymbol(symbol string, class model.AssetClass) (string, error) {
	if symbol == "BAD" {
		return "", Unsupported(symbol, "test")
	}
	return "W" + symbol, nil
}

func (d fakeDialect) MaxBatch() int { return 2 }

func (d fakeDialect) NewRequest(ctx context.Context, wire []string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/q?s="+strings.Join(wire, ","), nil)
}

func (d fakeDialect) Parse(body []byte, wire []string) ([]Tick, []string, error) {
	var out []Tick
	var rejected []string
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		sym, px, _ := strings.Cut(line, " ")
		if px == "reject" {
			rejected = append(rejected, sym)
			continue
		}
		out = append(out, Tick{Wire: sym, Price: decimal.RequireFromString(px)})
	}
	return out, rejected, nil
}

type sinkRecorder struct {
	mu  sync.Mutex
	evs []model.QuoteEvent
	err error
}

func (s *sinkRecorder) Append(ctx context.Context, partition string, ev model.QuoteEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.evs = append(s.evs, ev)
	return "1-0", nil
}

func (s *sinkRecorder) symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.evs))
	for _, e := range s.evs {
		out = append(out, e.Symbol)
	}
	return out
}

func testResolver() *InstrumentSet {
	return NewInstrumentSet([]model.Instrument{
		{Symbol: "AAPL", AssetClass: model.Equity, Active: true},
		{Symbol: "MSFT", AssetClass: model.Equity, Active: true},
		{Symbol: "NVDA", AssetClass: model.Equity, Active: true},
		{Symbol: "BAD", AssetClass: model.Equity, Active: true},
		{Symbol: "BTC", AssetClass: model.Crypto, Active: true},
	})
}

func TestPoller_SubscribeRejectsUnsupported(t *testing.T) {
	p := NewPoller(model.ProviderProfile{ID: "td", AssetClasses: []model.AssetClass{model.Equity}},
		Deps{Sink: &sinkRecorder{}, Resolver: testResolver()}, fakeDialect{})

	err := p.Subscribe(context.Background(), []string{"AAPL", "BTC", "BAD", "UNKNOWN", "MSFT"})
	require.Error(t, err)
	assert.ErrorIs(t, err, xerr.ErrUnsupportedSymbol)
	assert.Equal(t, []string{"BAD", "BTC", "UNKNOWN"}, RejectedSymbols(err))
	assert.Equal(t, []string{"AAPL", "MSFT"}, p.State().Subscribed, "被接受的部分照常生效")

	require.NoError(t, p.Unsubscribe(context.Background(), []string{"AAPL"}))
	assert.Equal(t, []string{"MSFT"}, p.State().Subscribed)
}

func TestPoller_BatchesAreRateLimited(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
		var lines []string
		for _, s := range strings.Split(r.URL.Query().Get("s"), ",") {
			lines = append(lines, s+" 10.5")
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n")))
	}))
	defer srv.Close()

	sink := &sinkRecorder{}
	// 600 次/分钟 = 每 100ms 一次
	p := NewPoller(model.ProviderProfile{
		ID: "td", AssetClasses: []model.AssetClass{model.Equity},
		CallsPerMinute: 600, PollInterval: time.Hour,
	}, Deps{Sink: sink, Resolver: testResolver()}, fakeDialect{base: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Subscribe(ctx, []string{"AAPL", "MSFT", "NVDA"}))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.symbols()) == 3 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, sink.symbols())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hits, 2, "3 个 symbol，每批 2 个，共 2 次请求")
	assert.GreaterOrEqual(t, hits[1].Sub(hits[0]), 90*time.Millisecond)
}

func TestPoller_AuthFailureIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewPoller(model.ProviderProfile{ID: "td", AssetClasses: []model.AssetClass{model.Equity}},
		Deps{Sink: &sinkRecorder{}, Resolver: testResolver()}, fakeDialect{base: srv.URL})
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Subscribe(ctx, []string{"AAPL"}))

	err := p.Run(ctx)
	require.Error(t, err)
	assert.False(t, xerr.IsRetryable(err))
	assert.ErrorIs(t, err, xerr.ErrAuthRejected)
	assert.False(t, p.State().Running)
}

func TestPoller_TransientErrorsHitCeiling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPoller(model.ProviderProfile{
		ID: "td", AssetClasses: []model.AssetClass{model.Equity},
		MaxReconnectAttempts: 3, PollInterval: 5 * time.Millisecond,
	}, Deps{Sink: &sinkRecorder{}, Resolver: testResolver()}, fakeDialect{base: srv.URL})
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Subscribe(ctx, []string{"AAPL"}))

	err := p.Run(ctx)
	require.Error(t, err)
	assert.True(t, xerr.IsRetryable(err))
	assert.ErrorIs(t, err, xerr.ErrConnectionLost)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, p.HealthCheck())
}

func TestPoller_UpstreamRejectionIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("WAAPL 1\nWMSFT reject"))
	}))
	defer srv.Close()

	got := make(chan []string, 1)
	p := NewPoller(model.ProviderProfile{ID: "td", AssetClasses: []model.AssetClass{model.Equity}, PollInterval: time.Hour},
		Deps{Sink: &sinkRecorder{}, Resolver: testResolver(), OnReject: func(provider string, syms []string) {
			got <- syms
		}}, fakeDialect{base: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Subscribe(ctx, []string{"AAPL", "MSFT"}))
	go func() { _ = p.Run(ctx) }()

	select {
	case syms := <-got:
		assert.Equal(t, []string{"MSFT"}, syms)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection not reported")
	}
	assert.Equal(t, []string{"AAPL"}, p.State().Subscribed)
}

func TestEmit_QueueUnavailableEscalates(t *testing.T) {
	sink := &sinkRecorder{err: xerr.New(xerr.QueueUnavailable, "append", "td", errors.New("down"))}
	p := NewPoller(model.ProviderProfile{ID: "td", AssetClasses: []model.AssetClass{model.Equity}},
		Deps{Sink: sink, Resolver: testResolver()}, fakeDialect{})
	p.deps.Backoff.Base = time.Millisecond
	p.deps.Backoff.Max = 2 * time.Millisecond
	p.deps.Backoff.MaxAttempts = 2
	require.NoError(t, p.Subscribe(context.Background(), []string{"AAPL"}))

	err := p.emit(context.Background(), Tick{Wire: "WAAPL", Price: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Equal(t, xerr.QueueUnavailable, xerr.KindOf(err))
}

func TestSplitPair(t *testing.T) {
	for _, in := range []string{"EUR/USD", "eur-usd", "EUR_USD", "EURUSD"} {
		b, q, ok := SplitPair(in)
		require.True(t, ok, in)
		assert.Equal(t, "EUR", b)
		assert.Equal(t, "USD", q)
	}
	_, _, ok := SplitPair("EURO")
	assert.False(t, ok)
}
