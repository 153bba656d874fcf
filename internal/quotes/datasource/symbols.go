package datasource

import (
	"fmt"
	"strings"

	"quotefeed.com/pkg/xerr"
)

// Alias 特殊标的的 provider 别名（比如黄金 XAU -> XAU/USD），key 大小写不敏感
func Alias(aliases map[string]string, symbol string) (string, bool) {
	if len(aliases) == 0 {
		return "", false
	}
	if a, ok := aliases[symbol]; ok {
		return a, true
	}
	for k, v := range aliases {
		if strings.EqualFold(k, symbol) {
			return v, true
		}
	}
	return "", false
}

// SplitPair 货币对："EUR/USD" "EUR-USD" "EUR_USD" "EURUSD" 都拆成 EUR, USD
func SplitPair(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_"} {
		if b, q, found := strings.Cut(s, sep); found {
			return b, q, b != "" && q != ""
		}
	}
	if len(s) == 6 {
		return s[:3], s[3:], true
	}
	return "", "", false
}

// Unsupported 映射失败统一用这个，errors.Is(err, xerr.ErrUnsupportedSymbol) 成立
func Unsupported(symbol, why string) error {
	return fmt.Errorf("%w: %s (%s)", xerr.ErrUnsupportedSymbol, symbol, why)
}

// IsPlainSymbol 只允许字母数字和 . ，防止把奇怪字符拼进订阅消息或 URL
func IsPlainSymbol(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
		default:
			return false
		}
	}
	return true
}
