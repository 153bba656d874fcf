package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/internal/quotes/orchestrator"
	"quotefeed.com/internal/quotes/refprice"
	"quotefeed.com/pkg/logger"
)

func init() { gin.SetMode(gin.TestMode) }

type stubSnap struct{ s orchestrator.Snapshot }

func (s stubSnap) Snapshot() orchestrator.Snapshot { return s.s }

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func TestServer_IngestViews(t *testing.T) {
	snap := orchestrator.Snapshot{
		Assignment:  model.Assignment{"P1": {"AAPL"}, "P2": {"BTC"}},
		Unassigned:  []model.Instrument{{Symbol: "TSLA", AssetClass: model.Equity, Active: true}},
		Providers:   []orchestrator.ProviderStatus{{ID: "P1", Phase: orchestrator.PhaseRunning, Assigned: 1}},
		Instruments: 3,
		UpdatedAt:   time.Now(),
	}
	s := New(Config{}).WithOrchestrator(stubSnap{snap})

	code, body := get(t, s.Handler(), "/v1/assignment")
	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 2, data["assigned"])
	assert.EqualValues(t, 1, data["unassigned"])

	_, body = get(t, s.Handler(), "/v1/adapters")
	adapters := body["data"].([]any)
	require.Len(t, adapters, 1)
	assert.Equal(t, "running", adapters[0].(map[string]any)["phase"])

	_, body = get(t, s.Handler(), "/v1/unassigned")
	assert.Equal(t, "TSLA", body["data"].([]any)[0].(map[string]any)["symbol"])
}

func TestServer_RefPricesAndHealth(t *testing.T) {
	refs := refprice.NewCache()
	s := New(Config{}).WithRefPrices(refs)

	code, _ := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code, "empty snapshot is unhealthy")

	refs.Swap(map[string]decimal.Decimal{"AAPL": decimal.RequireFromString("147.5")})
	code, _ = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, s.Handler(), "/v1/refprices/aapl")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "147.5", body["data"].(map[string]any)["reference_price"])

	code, _ = get(t, s.Handler(), "/v1/refprices/NOPE")
	assert.Equal(t, http.StatusNotFound, code)
}

// 404/503 都要带 request id 打日志，方便对上调用方
func TestServer_FailuresAreLoggedWithRequestID(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })

	s := New(Config{}).WithRefPrices(refprice.NewCache())

	req := httptest.NewRequest(http.MethodGet, "/v1/refprices/NOPE", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	code, body := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["data"].(map[string]any), "refprices")

	entries := logs.FilterMessage("http error").AllUntimed()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()
	assert.Equal(t, "rid-1", first["request_id"])
	assert.Equal(t, "/v1/refprices/NOPE", first["path"])
	assert.EqualValues(t, http.StatusNotFound, first["status"])
	assert.EqualValues(t, http.StatusServiceUnavailable, entries[1].ContextMap()["status"])
	assert.Contains(t, entries[1].ContextMap()["error"], "reference price snapshot empty")
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_PprofOnlyWhenEnabled(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Config{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	New(Config{Pprof: true}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
