package twelvedata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/internal/quotes/queue"
	"quotefeed.com/pkg/xerr"
)

func TestWireSymbol(t *testing.T) {
	d := NewDialect(model.ProviderProfile{})
	for _, c := range []struct {
		sym   string
		class model.AssetClass
		want  string
	}{
		{"AAPL", model.Equity, "AAPL"},
		{"BTC", model.Crypto, "BTC/USD"},
		{"EURUSD", model.Forex, "EUR/USD"},
		{"XAU", model.Commodity, "XAU/USD"},
	} {
		got, err := d.WireSymbol(c.sym, c.class)
		require.NoError(t, err, c.sym)
		assert.Equal(t, c.want, got)
	}
	_, err := d.WireSymbol("CORN", model.Commodity)
	assert.ErrorIs(t, err, xerr.ErrUnsupportedSymbol)
}

func TestParse_Single(t *testing.T) {
	d := NewDialect(model.ProviderProfile{})
	ticks, rejected, err := d.Parse([]byte(`{"price":"150.00000"}`), []string{"AAPL"})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].Price.Equal(decimal.RequireFromString("150")))

	_, rejected, err = d.Parse([]byte(`{"code":400,"message":"symbol not found","status":"error"}`), []string{"NOPE"})
	require.NoError(t, err)
	assert.Equal(t, []string{"NOPE"}, rejected)

	_, _, err = d.Parse([]byte(`{"code":401,"message":"invalid api key","status":"error"}`), []string{"AAPL"})
	require.Error(t, err)
	assert.False(t, xerr.IsRetryable(err))

	_, _, err = d.Parse([]byte(`{"code":429,"message":"run out of credits","status":"error"}`), []string{"AAPL", "MSFT"})
	require.Error(t, err)
	assert.True(t, xerr.IsRetryable(err))
}

func TestParse_Batch(t *testing.T) {
	d := NewDialect(model.ProviderProfile{})
	body := `{"AAPL":{"price":"150.1"},"EUR/USD":{"price":"1.0850"},"NOPE":{"code":400,"message":"not found","status":"error"}}`
	ticks, rejected, err := d.Parse([]byte(body), []string{"AAPL", "EUR/USD", "NOPE"})
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, "EUR/USD", ticks[1].Wire)
	assert.Equal(t, []string{"NOPE"}, rejected)
}

func TestPoller_EndToEnd(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"AAPL":{"price":"150.00"},"EUR/USD":{"price":"1.08"}}`))
	}))
	defer srv.Close()

	q := queue.NewMemQueue(0)
	p := model.ProviderProfile{
		ID: "td", Kind: Kind, URL: srv.URL, APIKey: "secret",
		AssetClasses: []model.AssetClass{model.Equity, model.Forex},
		PollInterval: time.Hour,
	}
	res := datasource.NewInstrumentSet([]model.Instrument{
		{Symbol: "AAPL", AssetClass: model.Equity, Active: true},
		{Symbol: "EURUSD", AssetClass: model.Forex, Active: true},
	})
	a, err := datasource.New(p, datasource.Deps{Sink: q, Resolver: res})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Subscribe(ctx, []string{"AAPL", "EURUSD"}))
	go func() { _ = a.Run(ctx) }()

	require.NoError(t, q.EnsureGroup(ctx, "td", "t"))
	var got []queue.Entry
	require.Eventually(t, func() bool {
		es, _ := q.Read(ctx, queue.ReadArgs{Group: "t", Consumer: "c", Partitions: []string{"td"}})
		got = append(got, es...)
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "AAPL", got[0].Event.Symbol)
	assert.Equal(t, "EURUSD", got[1].Event.Symbol)
	query, _ := gotQuery.Load().(string)
	assert.Contains(t, query, "apikey=secret")
	assert.Contains(t, query, "symbol=AAPL%2CEUR%2FUSD")
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(model.ProviderProfile{ID: "td"}, datasource.Deps{})
	assert.Error(t, err)
}
