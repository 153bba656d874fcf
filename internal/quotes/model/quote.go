package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteEvent 归一化后的报价，写入队列后不可变
type QuoteEvent struct {
	Symbol            string           `json:"symbol"`
	Price             decimal.Decimal  `json:"price"`
	Volume            *decimal.Decimal `json:"volume,omitempty"`
	ProviderID        string           `json:"provider_id"`
	UpstreamTimestamp time.Time        `json:"upstream_ts"`
	IngestTimestamp   time.Time        `json:"ingest_ts"`
}

// EnrichedQuote relay 发往网关的消息；没有参考价时 change_* 为 null
type EnrichedQuote struct {
	Symbol            string           `json:"symbol"`
	Price             decimal.Decimal  `json:"price"`
	Volume            *decimal.Decimal `json:"volume"`
	ChangeAmount      *decimal.Decimal `json:"change_amount"`
	ChangePercent     *decimal.Decimal `json:"change_percent"`
	UpstreamTimestamp time.Time        `json:"upstream_timestamp"`
	ProviderID        string           `json:"provider_id"`
}

// percentPlaces change_percent 保留的小数位
const percentPlaces = 4

var hundred = decimal.NewFromInt(100)

// Enrich 用参考价（通常是上一交易日收盘价）计算涨跌额和涨跌幅
func Enrich(ev QuoteEvent, ref decimal.Decimal, hasRef bool) EnrichedQuote {
	out := EnrichedQuote{
		Symbol:            ev.Symbol,
		Price:             ev.Price,
		Volume:            ev.Volume,
		UpstreamTimestamp: ev.UpstreamTimestamp,
		ProviderID:        ev.ProviderID,
	}
	if !hasRef || ref.IsZero() {
		return out
	}
	amount := ev.Price.Sub(ref)
	pct := amount.Div(ref).Mul(hundred).Round(percentPlaces)
	out.ChangeAmount = &amount
	out.ChangePercent = &pct
	return out
}
