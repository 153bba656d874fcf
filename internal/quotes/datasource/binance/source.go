package binance

import (
	"strings"
	"sync/atomic"

	"github.com/segmentio/encoding/json"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
)

const (
	Kind           = "binance"
	defaultBaseURL = "wss://stream.binance.com:9443"
	defaultQuote   = "USDT"
)

func init() {
	datasource.Register(Kind, New)
}

func New(p model.ProviderProfile, d datasource.Deps) (datasource.Adapter, error) {
	return datasource.NewStream(p, d, NewProtocol(p), datasource.StreamOptions{}), nil
}

// Protocol combined stream + SUBSCRIBE/UNSUBSCRIBE 方法帧
type Protocol struct {
	baseURL string
	quote   string
	aliases map[string]string
	reqID   atomic.Int64
}

func NewProtocol(p model.ProviderProfile) *Protocol {
	pr := &Protocol{baseURL: p.URL, quote: strings.ToUpper(p.QuoteCurrency), aliases: p.Aliases}
	if pr.baseURL == "" {
		pr.baseURL = defaultBaseURL
	}
	if pr.quote == "" {
		pr.quote = defaultQuote
	}
	return pr
}

func (p *Protocol) URL() (string, error) {
	return strings.TrimRight(p.baseURL, "/") + "/stream", nil
}

// WireSymbol BTC -> BTCUSDT
func (p *Protocol) WireSymbol(symbol string, class model.AssetClass) (string, error) {
	return wireSymbol(p.aliases, p.quote, symbol, class)
}

func wireSymbol(aliases map[string]string, quote, symbol string, class model.AssetClass) (string, error) {
	if a, ok := datasource.Alias(aliases, symbol); ok {
		return strings.ToUpper(a), nil
	}
	if class != model.Crypto {
		return "", datasource.Unsupported(symbol, "binance only lists crypto")
	}
	if !datasource.IsPlainSymbol(symbol) {
		return "", datasource.Unsupported(symbol, "bad characters")
	}
	return strings.ToUpper(symbol) + quote, nil
}

func (p *Protocol) MaxPerMessage() int { return 200 }

func (p *Protocol) SubscribeMsg(wire []string) ([]byte, error) {
	return p.method("SUBSCRIBE", wire)
}

func (p *Protocol) UnsubscribeMsg(wire []string) ([]byte, error) {
	return p.method("UNSUBSCRIBE", wire)
}

func (p *Protocol) method(m string, wire []string) ([]byte, error) {
	params := make([]string, 0, len(wire))
	for _, w := range wire {
		params = append(params, strings.ToLower(w)+"@aggTrade")
	}
	return json.Marshal(map[string]any{
		"method": m,
		"params": params,
		"id":     p.reqID.Add(1),
	})
}

func (p *Protocol) Parse(msg []byte) ([]datasource.Tick, error) {
	return ParseAggTradeCombined(msg)
}

var _ datasource.Protocol = (*Protocol)(nil)
