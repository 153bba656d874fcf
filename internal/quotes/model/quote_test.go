package model

import (
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrich_NoReference(t *testing.T) {
	ev := QuoteEvent{Symbol: "AAPL", Price: decimal.RequireFromString("150.00"), ProviderID: "P1"}
	out := Enrich(ev, decimal.Zero, false)

	assert.Nil(t, out.ChangeAmount)
	assert.Nil(t, out.ChangePercent)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Contains(t, m, "change_amount")
	assert.Nil(t, m["change_amount"])
	assert.Nil(t, m["change_percent"])
}

func TestEnrich_WithReference(t *testing.T) {
	ts := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
	ev := QuoteEvent{Symbol: "AAPL", Price: decimal.RequireFromString("150.00"), ProviderID: "P1", UpstreamTimestamp: ts}
	out := Enrich(ev, decimal.RequireFromString("147.50"), true)

	require.NotNil(t, out.ChangeAmount)
	require.NotNil(t, out.ChangePercent)
	assert.True(t, out.ChangeAmount.Equal(decimal.RequireFromString("2.50")))
	pct, _ := out.ChangePercent.Float64()
	assert.InDelta(t, 1.695, pct, 0.001)
	assert.Equal(t, ts, out.UpstreamTimestamp)
	assert.Equal(t, "P1", out.ProviderID)
}

func TestParseAssetClass(t *testing.T) {
	c, err := ParseAssetClass(" crypto ")
	require.NoError(t, err)
	assert.Equal(t, Crypto, c)

	_, err = ParseAssetClass("bond")
	assert.Error(t, err)
}
