package coinbase

import (
	"strings"

	"github.com/segmentio/encoding/json"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
)

const (
	Kind         = "coinbase"
	defaultURL   = "wss://advanced-trade-ws.coinbase.com"
	defaultQuote = "USD"
)

func init() {
	datasource.Register(Kind, New)
}

func New(p model.ProviderProfile, d datasource.Deps) (datasource.Adapter, error) {
	return datasource.NewStream(p, d, NewProtocol(p), datasource.StreamOptions{}), nil
}

type Protocol struct {
	url     string
	quote   string
	aliases map[string]string
}

func NewProtocol(p model.ProviderProfile) *Protocol {
	pr := &Protocol{url: p.URL, quote: strings.ToUpper(p.QuoteCurrency), aliases: p.Aliases}
	if pr.url == "" {
		pr.url = defaultURL
	}
	if pr.quote == "" {
		pr.quote = defaultQuote
	}
	return pr
}

func (p *Protocol) URL() (string, error) { return p.url, nil }

// WireSymbol BTC -> BTC-USD
func (p *Protocol) WireSymbol(symbol string, class model.AssetClass) (string, error) {
	if a, ok := datasource.Alias(p.aliases, symbol); ok {
		return strings.ToUpper(a), nil
	}
	if class != model.Crypto {
		return "", datasource.Unsupported(symbol, "coinbase only lists crypto")
	}
	if !datasource.IsPlainSymbol(symbol) {
		return "", datasource.Unsupported(symbol, "bad characters")
	}
	return strings.ToUpper(symbol) + "-" + p.quote, nil
}

func (p *Protocol) MaxPerMessage() int { return 100 }

func (p *Protocol) SubscribeMsg(wire []string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":        "subscribe",
		"channel":     "market_trades",
		"product_ids": wire,
	})
}

func (p *Protocol) UnsubscribeMsg(wire []string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":        "unsubscribe",
		"channel":     "market_trades",
		"product_ids": wire,
	})
}

func (p *Protocol) Parse(msg []byte) ([]datasource.Tick, error) {
	return ParseMarketTrades(msg)
}

var _ datasource.Protocol = (*Protocol)(nil)
