// Package app 把各个包装配成两个进程：feed-ingest（编排器 + adapter）和 feed-relay（relay + 参考价）。
package app

import (
	"fmt"
	"time"

	"quotefeed.com/internal/quotes/directory"
	"quotefeed.com/internal/quotes/gateway"
	"quotefeed.com/internal/quotes/orchestrator"
	"quotefeed.com/internal/quotes/refprice"
	"quotefeed.com/internal/quotes/relay"
	"quotefeed.com/internal/quotes/telemetry"
	"quotefeed.com/pkg/backoff"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/orm"
	"quotefeed.com/pkg/ratelimit"
	"quotefeed.com/pkg/xredis"
)

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func (c LogConfig) Options(service string) logger.Options {
	return logger.Options{
		Service:    service,
		Level:      c.Level,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

type QueueConfig struct {
	Driver        string        `mapstructure:"driver"` // redis | memory
	Prefix        string        `mapstructure:"prefix"`
	MaxLen        int64         `mapstructure:"max_len"`
	DepthInterval time.Duration `mapstructure:"depth_interval"`
}

type DirectoryConfig struct {
	Driver      string                 `mapstructure:"driver"` // gorm | static
	DB          orm.Config             `mapstructure:"db"`
	AutoMigrate bool                   `mapstructure:"auto_migrate"`
	Static      []directory.StaticItem `mapstructure:"static"`
}

type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
	Retry   time.Duration `mapstructure:"retry"`
}

type IngestConfig struct {
	Name string    `mapstructure:"name"`
	Log  LogConfig `mapstructure:"log"`

	HTTP      telemetry.Config `mapstructure:"http"`
	Redis     xredis.Config    `mapstructure:"redis"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Directory DirectoryConfig  `mapstructure:"directory"`
	Lease     LeaseConfig      `mapstructure:"lease"`

	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	// 轮询型 provider 的熔断规则；key 是 provider id，没配的用 default
	Breaker      ratelimit.Rule            `mapstructure:"breaker"`
	Breakers     map[string]ratelimit.Rule `mapstructure:"breakers"`
	AppendRetry  backoff.Policy            `mapstructure:"append_retry"`
	PoolInterval time.Duration             `mapstructure:"pool_interval"`
}

func (c *IngestConfig) Validate() error {
	if c.Name == "" {
		c.Name = "feed-ingest"
	}
	if c.PoolInterval <= 0 {
		c.PoolInterval = 5 * time.Second
	}
	if c.Queue.DepthInterval <= 0 {
		c.Queue.DepthInterval = 5 * time.Second
	}
	if c.Lease.Key == "" {
		c.Lease.Key = "quotefeed:ingest:leader"
	}
	if c.Lease.TTL <= 0 {
		c.Lease.TTL = 15 * time.Second
	}
	if c.Lease.Retry <= 0 {
		c.Lease.Retry = time.Second
	}
	switch c.Queue.Driver {
	case "", "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for queue driver redis")
		}
	case "memory":
		if c.Lease.Enabled {
			return fmt.Errorf("lease needs redis, queue driver is memory")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	switch c.Directory.Driver {
	case "", "gorm":
		if c.Directory.DB.DSN == "" {
			return fmt.Errorf("directory.db.dsn is required for directory driver gorm")
		}
	case "static":
	default:
		return fmt.Errorf("unknown directory driver %q", c.Directory.Driver)
	}
	if len(c.Orchestrator.Profiles) == 0 {
		return fmt.Errorf("orchestrator.providers is empty")
	}
	return nil
}

type GatewayConfig struct {
	Driver  string             `mapstructure:"driver"` // nats | ws | memory
	NATS    gateway.NatsConfig `mapstructure:"nats"`
	WS      gateway.WSConfig   `mapstructure:"ws"`
	Breaker ratelimit.Rule     `mapstructure:"breaker"`
}

type RefPriceConfig struct {
	Driver   string                `mapstructure:"driver"` // gorm | influx | none
	DB       orm.Config            `mapstructure:"db"`
	Influx   refprice.InfluxConfig `mapstructure:"influx"`
	Interval time.Duration         `mapstructure:"interval"`
}

type RelayConfig struct {
	Name string    `mapstructure:"name"`
	Log  LogConfig `mapstructure:"log"`

	HTTP     telemetry.Config `mapstructure:"http"`
	Redis    xredis.Config    `mapstructure:"redis"`
	Queue    QueueConfig      `mapstructure:"queue"`
	Relay    relay.Config     `mapstructure:"relay"`
	Gateway  GatewayConfig    `mapstructure:"gateway"`
	RefPrice RefPriceConfig   `mapstructure:"refprice"`

	PoolInterval time.Duration `mapstructure:"pool_interval"`
}

func (c *RelayConfig) Validate() error {
	if c.Name == "" {
		c.Name = "feed-relay"
	}
	if c.PoolInterval <= 0 {
		c.PoolInterval = 5 * time.Second
	}
	switch c.Queue.Driver {
	case "", "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for queue driver redis")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if len(c.Relay.Partitions) == 0 {
		return fmt.Errorf("relay.partitions is empty")
	}
	switch c.Gateway.Driver {
	case "", "nats":
		if c.Gateway.NATS.URL == "" {
			return fmt.Errorf("gateway.nats.url is required")
		}
	case "ws":
		if c.Gateway.WS.URL == "" {
			return fmt.Errorf("gateway.ws.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown gateway driver %q", c.Gateway.Driver)
	}
	switch c.RefPrice.Driver {
	case "gorm":
		if c.RefPrice.DB.DSN == "" {
			return fmt.Errorf("refprice.db.dsn is required for refprice driver gorm")
		}
	case "influx":
		if c.RefPrice.Influx.URL == "" {
			return fmt.Errorf("refprice.influx.url is required for refprice driver influx")
		}
	case "", "none":
	default:
		return fmt.Errorf("unknown refprice driver %q", c.RefPrice.Driver)
	}
	return nil
}
