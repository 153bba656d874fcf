package binance

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/segmentio/encoding/json"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
)

const (
	RestKind           = "binance-rest"
	defaultRestBaseURL = "https://api.binance.com"
)

func init() {
	datasource.Register(RestKind, NewRest)
}

func NewRest(p model.ProviderProfile, d datasource.Deps) (datasource.Adapter, error) {
	return datasource.NewPoller(p, d, NewDialect(p)), nil
}

// Dialect /api/v3/ticker/price?symbols=[...]
type Dialect struct {
	baseURL string
	quote   string
	aliases map[string]string
}

func NewDialect(p model.ProviderProfile) *Dialect {
	d := &Dialect{baseURL: p.URL, quote: strings.ToUpper(p.QuoteCurrency), aliases: p.Aliases}
	if d.baseURL == "" {
		d.baseURL = defaultRestBaseURL
	}
	if d.quote == "" {
		d.quote = defaultQuote
	}
	return d
}

func (d *Dialect) WireSymbol(symbol string, class model.AssetClass) (string, error) {
	return wireSymbol(d.aliases, d.quote, symbol, class)
}

func (d *Dialect) MaxBatch() int { return 100 }

func (d *Dialect) NewRequest(ctx context.Context, wire []string) (*http.Request, error) {
	syms, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(d.baseURL, "/") + "/api/v3/ticker/price?symbols=" + url.QueryEscape(string(syms))
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

func (d *Dialect) Parse(body []byte, wire []string) ([]datasource.Tick, []string, error) {
	ticks, err := ParseTickerPrices(body)
	return ticks, nil, err
}

// InvalidSymbol 批里只要有一个不存在的 symbol，币安就整批回 400 {"code":-1121}
func (d *Dialect) InvalidSymbol(status int, body []byte) bool {
	if status != http.StatusBadRequest {
		return false
	}
	var e struct {
		Code int `json:"code"`
	}
	return json.Unmarshal(body, &e) == nil && e.Code == errInvalidSymbol
}

const errInvalidSymbol = -1121

var (
	_ datasource.Dialect               = (*Dialect)(nil)
	_ datasource.InvalidSymbolDetector = (*Dialect)(nil)
)
