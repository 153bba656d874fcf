package refprice

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/logger"
)

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	// 日线所在 measurement / 收盘价字段 / interval tag
	Measurement string        `mapstructure:"measurement"`
	Field       string        `mapstructure:"field"`
	Interval    string        `mapstructure:"interval"`
	Lookback    time.Duration `mapstructure:"lookback"` // 覆盖长假期，默认 10 天
}

func (c InfluxConfig) withDefaults() InfluxConfig {
	if c.Measurement == "" {
		c.Measurement = "kline"
	}
	if c.Field == "" {
		c.Field = "c"
	}
	if c.Interval == "" {
		c.Interval = "1d"
	}
	if c.Lookback <= 0 {
		c.Lookback = 10 * 24 * time.Hour
	}
	return c
}

func (c InfluxConfig) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s measurement=%s field=%s",
		c.URL, c.Org, c.Bucket, c.Measurement, c.Field)
}

// InfluxLoader 从 K 线库取每个 symbol 最后一根日线的收盘价
type InfluxLoader struct {
	cfg    InfluxConfig
	client influxdb2.Client
	query  api.QueryAPI
	now    func() time.Time
}

func NewInfluxLoader(cfg InfluxConfig) *InfluxLoader {
	cfg = cfg.withDefaults()
	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions().SetHTTPRequestTimeout(30))
	return &InfluxLoader{cfg: cfg, client: c, query: c.QueryAPI(cfg.Org), now: time.Now}
}

func (l *InfluxLoader) flux() string {
	stop := cutoff(l.now())
	start := stop.Add(-l.cfg.Lookback)
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r._field == %q and r.interval == %q)
  |> group(columns: ["symbol"])
  |> last()`,
		l.cfg.Bucket, start.Format(time.RFC3339), stop.Format(time.RFC3339),
		l.cfg.Measurement, l.cfg.Field, l.cfg.Interval)
}

func (l *InfluxLoader) Load(ctx context.Context) (map[string]decimal.Decimal, error) {
	res, err := l.query.Query(ctx, l.flux())
	if err != nil {
		return nil, err
	}
	defer res.Close()

	out := map[string]decimal.Decimal{}
	for res.Next() {
		rec := res.Record()
		sym, _ := rec.ValueByKey("symbol").(string)
		if sym == "" {
			continue
		}
		switch v := rec.Value().(type) {
		case float64:
			out[model.NormalizeSymbol(sym)] = decimal.NewFromFloat(v)
		case int64:
			out[model.NormalizeSymbol(sym)] = decimal.NewFromInt(v)
		default:
			logger.Warn(ctx, "unexpected close value type", zap.String("symbol", sym), zap.Any("value", v))
		}
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *InfluxLoader) Close() { l.client.Close() }
