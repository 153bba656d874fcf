package coinbase

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"quotefeed.com/internal/quotes/datasource"
)

type cbMarketTradesMsg struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Events  []struct {
		Type   string `json:"type"`
		Trades []struct {
			TradeID   string `json:"trade_id"`
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			Size      string `json:"size"`
			Side      string `json:"side"`
			Time      string `json:"time"`
		} `json:"trades"`
	} `json:"events"`
}

var msgPool = sync.Pool{
	New: func() any {
		return &cbMarketTradesMsg{}
	},
}

// ParseMarketTrades market_trades 频道；subscriptions/heartbeats 返回 (nil, nil)
func ParseMarketTrades(b []byte) ([]datasource.Tick, error) {
	msg := msgPool.Get().(*cbMarketTradesMsg)
	*msg = cbMarketTradesMsg{} // 清空，避免残留 slice
	defer msgPool.Put(msg)
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	if msg.Type == "error" {
		return nil, errors.New("coinbase error: " + msg.Message)
	}
	switch msg.Channel {
	case "market_trades":
	case "subscriptions", "heartbeats":
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected channel %q", msg.Channel)
	}

	out := make([]datasource.Tick, 0, 16)
	for _, ev := range msg.Events {
		for _, t := range ev.Trades {
			price, err := decimal.NewFromString(t.Price)
			if err != nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, t.Time)
			if err != nil {
				ts, err = time.Parse(time.RFC3339, t.Time)
				if err != nil {
					continue
				}
			}
			tick := datasource.Tick{Wire: t.ProductID, Price: price, Ts: ts}
			if size, err := decimal.NewFromString(t.Size); err == nil {
				tick.Volume = &size
			}
			out = append(out, tick)
		}
	}
	return out, nil
}
