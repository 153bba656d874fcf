package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quotefeed.com/internal/quotes/gateway"
	"quotefeed.com/internal/quotes/queue"
	"quotefeed.com/internal/quotes/refprice"
	"quotefeed.com/internal/quotes/relay"
	"quotefeed.com/internal/quotes/telemetry"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/metrics"
	"quotefeed.com/pkg/orm"
	"quotefeed.com/pkg/ratelimit"
	"quotefeed.com/pkg/xredis"
)

// Relay feed-relay 进程：队列 -> 补参考价 -> 网关
type Relay struct {
	cfg RelayConfig

	rdb   *redis.Client
	sqlDB *sql.DB
	q     queue.Queue
	gw    gateway.Gateway

	refs      *refprice.Cache
	refresher *refprice.Refresher
	influx    *refprice.InfluxLoader

	relay *relay.Relay
	http  *telemetry.Server
}

// RelayOption 替换组件（测试里注入内存网关/队列）
type RelayOption func(*Relay)

func WithGateway(gw gateway.Gateway) RelayOption { return func(r *Relay) { r.gw = gw } }

func WithQueue(q queue.Queue) RelayOption { return func(r *Relay) { r.q = q } }

func NewRelay(ctx context.Context, cfg RelayConfig, opts ...RelayOption) (_ *Relay, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	r := &Relay{cfg: cfg, refs: refprice.NewCache()}
	for _, o := range opts {
		o(r)
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if r.q == nil {
		if cfg.Queue.Driver == "memory" {
			r.q = queue.NewMemQueue(int(cfg.Queue.MaxLen))
		} else {
			if r.rdb, err = xredis.NewRedis(ctx, &cfg.Redis); err != nil {
				return nil, err
			}
			r.q = queue.NewRedisQueue(r.rdb, queue.RedisOptions{Prefix: cfg.Queue.Prefix, MaxLen: cfg.Queue.MaxLen})
		}
	}

	if r.gw == nil {
		if r.gw, err = r.openGateway(ctx); err != nil {
			return nil, err
		}
	}
	breakers := ratelimit.NewManager(cfg.Gateway.Breaker, nil)
	gw := gateway.NewBreaker(r.gw, breakers, "gateway")

	loader, err := r.openLoader()
	if err != nil {
		return nil, err
	}
	if loader != nil {
		r.refresher = refprice.NewRefresher(r.refs, loader, cfg.RefPrice.Interval)
	}

	rc := cfg.Relay
	if rc.Consumer == "" {
		rc.Consumer = defaultConsumer()
		logger.Warn(ctx, "relay.consumer not set, pending entries of a previous run will only come back via claim",
			zap.String("consumer", rc.Consumer))
	}
	if r.relay, err = relay.New(rc, r.q, gw, r.refs); err != nil {
		return nil, err
	}

	r.http = telemetry.New(cfg.HTTP).WithRefPrices(r.refs)
	if r.rdb != nil {
		r.http.AddCheck("redis", func(ctx context.Context) error { return r.rdb.Ping(ctx).Err() })
	}
	return r, nil
}

func (r *Relay) openGateway(ctx context.Context) (gateway.Gateway, error) {
	switch r.cfg.Gateway.Driver {
	case "ws":
		gw, err := gateway.NewWS(ctx, r.cfg.Gateway.WS)
		if err != nil {
			return nil, err
		}
		return gw, nil
	case "memory":
		return gateway.NewMem(), nil
	default:
		nc := r.cfg.Gateway.NATS
		if nc.Name == "" {
			nc.Name = r.cfg.Name
		}
		gw, err := gateway.NewNats(nc)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// openLoader driver 为 none 时返回 nil：不补涨跌幅，change 字段一律为空
func (r *Relay) openLoader() (refprice.Loader, error) {
	switch r.cfg.RefPrice.Driver {
	case "gorm":
		db, err := orm.Open(&r.cfg.RefPrice.DB)
		if err != nil {
			return nil, err
		}
		if r.sqlDB, err = db.DB(); err != nil {
			return nil, err
		}
		return refprice.NewGormLoader(db), nil
	case "influx":
		r.influx = refprice.NewInfluxLoader(r.cfg.RefPrice.Influx)
		logger.Info(context.Background(), "reference prices from influx", zap.Stringer("influx", r.cfg.RefPrice.Influx))
		return r.influx, nil
	default:
		return nil, nil
	}
}

// 同一台机器重启后名字不变才能接上自己的 pending；拿不到 hostname 只能随机
func defaultConsumer() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "relay-" + uuid.NewString()
}

func (r *Relay) RefPrices() *refprice.Cache { return r.refs }

func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.http.Run(gctx) })
	if r.rdb != nil {
		metrics.ObserveRedisStats(gctx, r.rdb, r.cfg.PoolInterval)
	}
	if r.sqlDB != nil {
		metrics.ObserveDBStats(gctx, r.sqlDB, r.cfg.PoolInterval)
	}
	if r.refresher != nil {
		g.Go(func() error { return r.refresher.Run(gctx) })
	}
	g.Go(func() error { return r.relay.Run(gctx) })

	return g.Wait()
}

func (r *Relay) Close() {
	if r.gw != nil {
		_ = r.gw.Close()
	}
	if r.q != nil {
		_ = r.q.Close()
	}
	if r.influx != nil {
		r.influx.Close()
	}
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
	if r.sqlDB != nil {
		_ = r.sqlDB.Close()
	}
}
