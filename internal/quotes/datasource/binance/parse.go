package binance

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"quotefeed.com/internal/quotes/datasource"
)

type bnCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	// SUBSCRIBE/UNSUBSCRIBE 的应答
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *bnError        `json:"error"`
}

type bnError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type bnAggTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	AggID     int64  `json:"a"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
	M         bool   `json:"m"`
}

// ParseAggTradeCombined combined stream 里的 aggTrade；控制应答返回 (nil, nil)
func ParseAggTradeCombined(b []byte) ([]datasource.Tick, error) {
	var wrap bnCombined
	if err := json.Unmarshal(b, &wrap); err != nil {
		return nil, err
	}
	if wrap.Error != nil {
		return nil, fmt.Errorf("binance error %d: %s", wrap.Error.Code, wrap.Error.Msg)
	}
	if len(wrap.Data) == 0 {
		return nil, nil
	}
	var a bnAggTrade
	if err := json.Unmarshal(wrap.Data, &a); err != nil {
		return nil, err
	}
	if a.EventType != "aggTrade" {
		return nil, errors.New("not aggTrade: " + a.EventType)
	}
	t, err := toTick(a.Symbol, a.Price, a.Qty)
	if err != nil {
		return nil, err
	}
	t.Ts = time.UnixMilli(a.TradeTime)
	return []datasource.Tick{t}, nil
}

type bnTickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// ParseTickerPrices /api/v3/ticker/price 的应答，单个 symbol 时是对象，多个时是数组
func ParseTickerPrices(b []byte) ([]datasource.Tick, error) {
	var list []bnTickerPrice
	if err := json.Unmarshal(b, &list); err != nil {
		var one bnTickerPrice
		if err2 := json.Unmarshal(b, &one); err2 != nil {
			return nil, err
		}
		list = []bnTickerPrice{one}
	}
	out := make([]datasource.Tick, 0, len(list))
	for _, p := range list {
		t, err := toTick(p.Symbol, p.Price, "")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func toTick(sym, price, qty string) (datasource.Tick, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return datasource.Tick{}, fmt.Errorf("price %q: %w", price, err)
	}
	t := datasource.Tick{Wire: sym, Price: p}
	if qty != "" {
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return datasource.Tick{}, fmt.Errorf("qty %q: %w", qty, err)
		}
		t.Volume = &q
	}
	return t, nil
}
