package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quotefeed_db_pool_open",
		Help: "Current open DB connections",
	})
	DbPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Name: "quotefeed_db_pool_idle"})
	DbPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Name: "quotefeed_db_pool_inuse"})
	DbPoolWaitCount    = promauto.NewCounter(prometheus.CounterOpts{Name: "quotefeed_db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewCounter(prometheus.CounterOpts{Name: "quotefeed_db_pool_wait_seconds"})

	RedisPoolOpen     = promauto.NewGauge(prometheus.GaugeOpts{Name: "quotefeed_redis_pool_open"})
	RedisPoolIdle     = promauto.NewGauge(prometheus.GaugeOpts{Name: "quotefeed_redis_pool_idle"})
	RedisPoolStale    = promauto.NewGauge(prometheus.GaugeOpts{Name: "quotefeed_redis_pool_stale"})
	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "quotefeed_redis_pool_timeouts_total"})
	RedisPoolHits     = promauto.NewCounter(prometheus.CounterOpts{Name: "quotefeed_redis_pool_hits_total"})
	RedisPoolMisses   = promauto.NewCounter(prometheus.CounterOpts{Name: "quotefeed_redis_pool_misses_total"})

	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quotefeed_redis_cmd_duration_seconds",
		Help:    "Redis command latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
	}, []string{"cmd", "status"})
)

// ObserveDBStats 采集 DB 连接池指标，ctx 取消后退出
func ObserveDBStats(ctx context.Context, db *sql.DB, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		var lastWaitCount int64
		var lastWaitDuration time.Duration
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			st := db.Stats()
			DbPoolOpen.Set(float64(st.OpenConnections))
			DbPoolIdle.Set(float64(st.Idle))
			DbPoolInuse.Set(float64(st.InUse))
			if d := st.WaitCount - lastWaitCount; d > 0 {
				DbPoolWaitCount.Add(float64(d))
				lastWaitCount = st.WaitCount
			}
			if d := st.WaitDuration - lastWaitDuration; d > 0 {
				DbPoolWaitDuration.Add(d.Seconds())
				lastWaitDuration = st.WaitDuration
			}
		}
	}()
}

// ObserveRedisStats 采集 Redis 连接池指标（计数类只加增量）
func ObserveRedisStats(ctx context.Context, rdb *redis.Client, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		var last redis.PoolStats
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			st := rdb.PoolStats()
			RedisPoolOpen.Set(float64(st.TotalConns))
			RedisPoolIdle.Set(float64(st.IdleConns))
			RedisPoolStale.Set(float64(st.StaleConns))
			if st.Timeouts > last.Timeouts {
				RedisPoolTimeouts.Add(float64(st.Timeouts - last.Timeouts))
			}
			if st.Hits > last.Hits {
				RedisPoolHits.Add(float64(st.Hits - last.Hits))
			}
			if st.Misses > last.Misses {
				RedisPoolMisses.Add(float64(st.Misses - last.Misses))
			}
			last = *st
		}
	}()
}
