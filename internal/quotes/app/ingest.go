package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// provider 在 init 里注册到 datasource
	_ "quotefeed.com/internal/quotes/datasource/binance"
	_ "quotefeed.com/internal/quotes/datasource/coinbase"
	_ "quotefeed.com/internal/quotes/datasource/finnhub"
	_ "quotefeed.com/internal/quotes/datasource/twelvedata"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/directory"
	"quotefeed.com/internal/quotes/orchestrator"
	"quotefeed.com/internal/quotes/queue"
	"quotefeed.com/internal/quotes/telemetry"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/metrics"
	"quotefeed.com/pkg/orm"
	"quotefeed.com/pkg/ratelimit"
	"quotefeed.com/pkg/xredis"
)

var errLeaseLost = errors.New("ingest lease lost")

// Ingest feed-ingest 进程：目录 -> 编排器 -> adapter -> 队列
type Ingest struct {
	cfg IngestConfig

	rdb   *redis.Client
	sqlDB *sql.DB
	q     queue.Queue
	lease *xredis.Lease

	orch *orchestrator.Orchestrator
	http *telemetry.Server

	partitions []string
}

// NewIngest 建好所有依赖；任何一步失败都把已经建的关掉
func NewIngest(ctx context.Context, cfg IngestConfig, opts ...orchestrator.Option) (_ *Ingest, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}
	a := &Ingest{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Queue.Driver == "memory" {
		a.q = queue.NewMemQueue(int(cfg.Queue.MaxLen))
	} else {
		if a.rdb, err = xredis.NewRedis(ctx, &cfg.Redis); err != nil {
			return nil, err
		}
		a.q = queue.NewRedisQueue(a.rdb, queue.RedisOptions{Prefix: cfg.Queue.Prefix, MaxLen: cfg.Queue.MaxLen})
		if cfg.Lease.Enabled {
			a.lease = xredis.NewLease(a.rdb, cfg.Lease.Key, cfg.Lease.TTL)
		}
	}

	dir, err := a.openDirectory()
	if err != nil {
		return nil, err
	}

	deps := datasource.Deps{
		Sink:     a.q,
		Limits:   ratelimit.NewStore(),
		Breakers: ratelimit.NewManager(cfg.Breaker, cfg.Breakers),
		Backoff:  cfg.AppendRetry,
	}
	if a.orch, err = orchestrator.New(cfg.Orchestrator, dir, deps, opts...); err != nil {
		return nil, err
	}
	for _, p := range cfg.Orchestrator.Profiles {
		a.partitions = append(a.partitions, p.ID)
	}

	a.http = telemetry.New(cfg.HTTP).WithOrchestrator(a.orch)
	if a.rdb != nil {
		a.http.AddCheck("redis", func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() })
	}
	if a.sqlDB != nil {
		a.http.AddCheck("directory", func(ctx context.Context) error { return a.sqlDB.PingContext(ctx) })
	}
	return a, nil
}

func (a *Ingest) openDirectory() (directory.Directory, error) {
	if a.cfg.Directory.Driver == "static" {
		return directory.NewStatic(a.cfg.Directory.Static)
	}
	db, err := orm.Open(&a.cfg.Directory.DB)
	if err != nil {
		return nil, err
	}
	if a.sqlDB, err = db.DB(); err != nil {
		return nil, err
	}
	if a.cfg.Directory.AutoMigrate {
		if err := db.AutoMigrate(&directory.InstrumentRow{}); err != nil {
			return nil, fmt.Errorf("migrate instruments: %w", err)
		}
	}
	return directory.NewGorm(db), nil
}

// Orchestrator 暴露给测试和 cmd 做诊断
func (a *Ingest) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *Ingest) Queue() queue.Queue { return a.q }

// Run 阻塞到 ctx 取消或任一组件出错
func (a *Ingest) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.http.Run(gctx) })
	if a.rdb != nil {
		metrics.ObserveRedisStats(gctx, a.rdb, a.cfg.PoolInterval)
	}
	if a.sqlDB != nil {
		metrics.ObserveDBStats(gctx, a.sqlDB, a.cfg.PoolInterval)
	}
	queue.ObserveDepth(gctx, a.q, a.partitions, a.cfg.Queue.DepthInterval)
	g.Go(func() error { return a.runOrchestrator(gctx) })

	return g.Wait()
}

// runOrchestrator 开了租约时只有持有者跑编排器；租约丢了就退出，交给进程守护重启
func (a *Ingest) runOrchestrator(ctx context.Context) error {
	if a.lease == nil {
		return a.orch.Run(ctx)
	}
	logger.Info(ctx, "waiting for ingest lease", zap.String("key", a.cfg.Lease.Key), zap.String("id", a.lease.ID()))
	held, err := a.lease.Hold(ctx, a.cfg.Lease.Retry)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger.Info(ctx, "ingest lease acquired", zap.String("key", a.cfg.Lease.Key))
	if err := a.orch.Run(held); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return errLeaseLost
	}
	return nil
}

func (a *Ingest) Close() {
	if a.q != nil {
		_ = a.q.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}
