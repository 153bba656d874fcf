// Package finnhub 股票/ETF/外汇/加密的推送源。wire symbol 带交易所前缀：
// 股票原样，加密 BINANCE:BTCUSDT，外汇 OANDA:EUR_USD。
package finnhub

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
)

const (
	Kind       = "finnhub"
	defaultURL = "wss://ws.finnhub.io"
)

func init() {
	datasource.Register(Kind, New)
}

func New(p model.ProviderProfile, d datasource.Deps) (datasource.Adapter, error) {
	return datasource.NewStream(p, d, NewProtocol(p), datasource.StreamOptions{}), nil
}

type Protocol struct {
	url         string
	token       string
	cryptoQuote string
	aliases     map[string]string
}

func NewProtocol(p model.ProviderProfile) *Protocol {
	pr := &Protocol{url: p.URL, token: p.APIKey, cryptoQuote: strings.ToUpper(p.QuoteCurrency), aliases: p.Aliases}
	if pr.url == "" {
		pr.url = defaultURL
	}
	if pr.cryptoQuote == "" {
		pr.cryptoQuote = "USDT"
	}
	return pr
}

func (p *Protocol) URL() (string, error) {
	if p.token == "" {
		return "", errors.New("finnhub: api_key is required")
	}
	u, err := url.Parse(p.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", p.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Protocol) WireSymbol(symbol string, class model.AssetClass) (string, error) {
	if a, ok := datasource.Alias(p.aliases, symbol); ok {
		return a, nil
	}
	switch class {
	case model.Equity, model.ETF:
		if !datasource.IsPlainSymbol(symbol) {
			return "", datasource.Unsupported(symbol, "bad characters")
		}
		return strings.ToUpper(symbol), nil
	case model.Crypto:
		if !datasource.IsPlainSymbol(symbol) {
			return "", datasource.Unsupported(symbol, "bad characters")
		}
		return "BINANCE:" + strings.ToUpper(symbol) + p.cryptoQuote, nil
	case model.Forex:
		base, quote, ok := datasource.SplitPair(symbol)
		if !ok {
			return "", datasource.Unsupported(symbol, "not a currency pair")
		}
		return "OANDA:" + base + "_" + quote, nil
	}
	return "", datasource.Unsupported(symbol, "no alias for "+string(class))
}

// MaxPerMessage finnhub 一条消息只能订一个 symbol
func (p *Protocol) MaxPerMessage() int { return 1 }

func (p *Protocol) SubscribeMsg(wire []string) ([]byte, error) {
	return json.Marshal(map[string]string{"type": "subscribe", "symbol": wire[0]})
}

func (p *Protocol) UnsubscribeMsg(wire []string) ([]byte, error) {
	return json.Marshal(map[string]string{"type": "unsubscribe", "symbol": wire[0]})
}

type fhMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
	Data []struct {
		S string          `json:"s"`
		P decimal.Decimal `json:"p"`
		V decimal.Decimal `json:"v"`
		T int64           `json:"t"`
	} `json:"data"`
}

func (p *Protocol) Parse(msg []byte) ([]datasource.Tick, error) {
	return ParseTrades(msg)
}

// ParseTrades {"type":"trade","data":[{"s":"AAPL","p":150.1,"v":10,"t":1700000000000}]}
func ParseTrades(b []byte) ([]datasource.Tick, error) {
	var m fhMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	switch m.Type {
	case "trade":
	case "ping":
		return nil, nil
	case "error":
		return nil, errors.New("finnhub error: " + m.Msg)
	default:
		return nil, nil
	}
	out := make([]datasource.Tick, 0, len(m.Data))
	for _, d := range m.Data {
		v := d.V
		out = append(out, datasource.Tick{Wire: d.S, Price: d.P, Volume: &v, Ts: time.UnixMilli(d.T)})
	}
	return out, nil
}

var _ datasource.Protocol = (*Protocol)(nil)
