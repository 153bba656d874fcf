package model

import (
	"fmt"
	"slices"
	"time"
)

// ProviderProfile 静态配置，启动时加载，运行时不可变
type ProviderProfile struct {
	ID   string `mapstructure:"id" json:"id"`
	Kind string `mapstructure:"kind" json:"kind"` // binance | coinbase | finnhub | twelvedata | binance-rest

	URL    string `mapstructure:"url" json:"url"`
	APIKey string `mapstructure:"api_key" json:"-"`

	MaxConcurrentSubscriptions int          `mapstructure:"max_concurrent_subscriptions" json:"max_concurrent_subscriptions"`
	AssetClasses               []AssetClass `mapstructure:"asset_classes" json:"asset_classes"`
	CallsPerMinute             int          `mapstructure:"calls_per_minute" json:"calls_per_minute"`
	Priority                   int          `mapstructure:"priority" json:"priority"` // 越小越优先

	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" json:"reconnect_interval"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval" json:"health_check_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	// 仅 PolledRest
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval,omitempty"`
	BatchSize    int           `mapstructure:"batch_size" json:"batch_size,omitempty"`

	// symbol 映射：报价币种后缀（USDT/USD）+ 特殊标的别名（canonical -> wire）
	QuoteCurrency string            `mapstructure:"quote_currency" json:"quote_currency,omitempty"`
	Aliases       map[string]string `mapstructure:"aliases" json:"aliases,omitempty"`
}

func (p ProviderProfile) Supports(c AssetClass) bool {
	return slices.Contains(p.AssetClasses, c)
}

// NormalizeClasses 配置里类别名大小写不敏感，统一成 AssetClass 常量
func (p *ProviderProfile) NormalizeClasses() error {
	out := make([]AssetClass, 0, len(p.AssetClasses))
	for _, c := range p.AssetClasses {
		class, err := ParseAssetClass(string(c))
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
		if !slices.Contains(out, class) {
			out = append(out, class)
		}
	}
	p.AssetClasses = out
	return nil
}

// FallbackChains 每个资产类别一条有序 provider 列表
type FallbackChains map[AssetClass][]string

// Normalize viper 会把 map key 转成小写，这里还原成 AssetClass 常量
func (c FallbackChains) Normalize() (FallbackChains, error) {
	out := make(FallbackChains, len(c))
	for k, chain := range c {
		class, err := ParseAssetClass(string(k))
		if err != nil {
			return nil, fmt.Errorf("fallback chain: %w", err)
		}
		out[class] = append(out[class], chain...)
	}
	return out, nil
}

// AdapterState 由 adapter 独占写，编排器只读快照
type AdapterState struct {
	ProviderID        string    `json:"provider_id"`
	Connected         bool      `json:"connected"`
	Running           bool      `json:"running"`
	Subscribed        []string  `json:"subscribed"` // 有序，重连时按此顺序重新订阅
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastMessageAt     time.Time `json:"last_message_at"`
}
