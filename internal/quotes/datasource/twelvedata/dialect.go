// Package twelvedata REST 轮询源，/price 批量接口，覆盖股票、ETF、外汇、加密和贵金属
package twelvedata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/xerr"
)

const (
	Kind           = "twelvedata"
	defaultBaseURL = "https://api.twelvedata.com"
)

// 特殊标的默认别名，profile 里的 aliases 优先
var defaultAliases = map[string]string{
	"XAU": "XAU/USD",
	"XAG": "XAG/USD",
	"XPT": "XPT/USD",
	"XPD": "XPD/USD",
}

func init() {
	datasource.Register(Kind, New)
}

func New(p model.ProviderProfile, d datasource.Deps) (datasource.Adapter, error) {
	if p.APIKey == "" {
		return nil, xerr.New(xerr.Config, "new", p.ID, fmt.Errorf("twelvedata: api_key is required"))
	}
	return datasource.NewPoller(p, d, NewDialect(p)), nil
}

type Dialect struct {
	baseURL     string
	apiKey      string
	cryptoQuote string
	aliases     map[string]string
}

func NewDialect(p model.ProviderProfile) *Dialect {
	d := &Dialect{baseURL: p.URL, apiKey: p.APIKey, cryptoQuote: strings.ToUpper(p.QuoteCurrency), aliases: p.Aliases}
	if d.baseURL == "" {
		d.baseURL = defaultBaseURL
	}
	if d.cryptoQuote == "" {
		d.cryptoQuote = "USD"
	}
	return d
}

func (d *Dialect) WireSymbol(symbol string, class model.AssetClass) (string, error) {
	if a, ok := datasource.Alias(d.aliases, symbol); ok {
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
		return strings.ToUpper(symbol) + "/" + d.cryptoQuote, nil
	case model.Forex:
		base, quote, ok := datasource.SplitPair(symbol)
		if !ok {
			return "", datasource.Unsupported(symbol, "not a currency pair")
		}
		return base + "/" + quote, nil
	case model.Commodity:
		if a, ok := datasource.Alias(defaultAliases, symbol); ok {
			return a, nil
		}
	}
	return "", datasource.Unsupported(symbol, "no mapping for "+string(class))
}

func (d *Dialect) MaxBatch() int { return 120 }

func (d *Dialect) NewRequest(ctx context.Context, wire []string) (*http.Request, error) {
	q := url.Values{}
	q.Set("symbol", strings.Join(wire, ","))
	q.Set("apikey", d.apiKey)
	return http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(d.baseURL, "/")+"/price?"+q.Encode(), nil)
}

type tdPrice struct {
	Price   *decimal.Decimal `json:"price"`
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Status  string           `json:"status"`
}

func (p tdPrice) failed() bool { return p.Status == "error" || p.Code >= 400 }

// Parse 单个 symbol 时应答是 {"price":"..."}，多个时是 {"AAPL":{"price":"..."},...}；
// 错误也是 200 + {"code":4xx,"status":"error"}
func (d *Dialect) Parse(body []byte, wire []string) ([]datasource.Tick, []string, error) {
	var top tdPrice
	if err := json.Unmarshal(body, &top); err == nil && (top.Price != nil || top.failed()) {
		if top.failed() {
			err := classify(top)
			switch {
			case err != nil:
				return nil, nil, err
			case len(wire) == 1:
				return nil, wire, nil
			default:
				return nil, nil, xerr.Transientf("poll", Kind, "twelvedata %d: %s", top.Code, top.Message)
			}
		}
		if len(wire) != 1 {
			return nil, nil, fmt.Errorf("single price for %d symbols", len(wire))
		}
		return []datasource.Tick{{Wire: wire[0], Price: *top.Price}}, nil, nil
	}

	var batch map[string]tdPrice
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, nil, err
	}
	var ticks []datasource.Tick
	var rejected []string
	for _, w := range wire {
		p, ok := batch[w]
		if !ok {
			continue
		}
		if p.failed() {
			if err := classify(p); err != nil {
				return nil, nil, err
			}
			rejected = append(rejected, w)
			continue
		}
		if p.Price != nil {
			ticks = append(ticks, datasource.Tick{Wire: w, Price: *p.Price})
		}
	}
	return ticks, rejected, nil
}

// classify 400/404 是 symbol 级别的拒绝（返回 nil），鉴权失败不可重试，其余按瞬时错误
func classify(p tdPrice) error {
	switch {
	case p.Code == 400 || p.Code == 404:
		return nil
	case p.Code == 401 || p.Code == 403:
		return xerr.New(xerr.NonRetryable, "poll", Kind, fmt.Errorf("%w: %s", xerr.ErrAuthRejected, p.Message))
	default:
		return xerr.Transientf("poll", Kind, "twelvedata %d: %s", p.Code, p.Message)
	}
}

var _ datasource.Dialect = (*Dialect)(nil)
