package model

import (
	"fmt"
	"strings"
)

type AssetClass string

const (
	Equity    AssetClass = "Equity"
	ETF       AssetClass = "ETF"
	Crypto    AssetClass = "Crypto"
	Forex     AssetClass = "Forex"
	Commodity AssetClass = "Commodity"
)

// AssetClasses 固定顺序，rebalance 按这个顺序处理各资产类别（保证确定性）
var AssetClasses = []AssetClass{Equity, ETF, Crypto, Forex, Commodity}

func ParseAssetClass(s string) (AssetClass, error) {
	for _, c := range AssetClasses {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown asset class %q", s)
}

// Instrument 来自外部标的目录的只读副本
type Instrument struct {
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"asset_class"`
	Active     bool       `json:"active"`
}

// InstrumentKey 同一资产类别内 symbol 唯一
type InstrumentKey struct {
	AssetClass AssetClass
	Symbol     string
}

func (i Instrument) Key() InstrumentKey {
	return InstrumentKey{AssetClass: i.AssetClass, Symbol: i.Symbol}
}

// NormalizeSymbol 统一大写、去空白
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
