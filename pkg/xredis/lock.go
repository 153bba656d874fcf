package xredis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有者才能续期/释放，避免误删别人的锁
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lease 基于 SET NX PX 的主节点租约。多个 ingest 实例只有一个持有租约并运行 adapter。
type Lease struct {
	rdb *redis.Client
	key string
	id  string // 当前节点的唯一ID（hostname+UUID）
	ttl time.Duration
}

func NewLease(rdb *redis.Client, key string, ttl time.Duration) *Lease {
	host, _ := os.Hostname()
	return &Lease{
		rdb: rdb,
		key: key,
		id:  fmt.Sprintf("%s-%s", host, uuid.NewString()),
		ttl: ttl,
	}
}

func (l *Lease) ID() string { return l.id }

// TryAcquire 抢租约；已经是自己的就续期
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx)
}

func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Err()
}

// Hold 阻塞直到拿到租约，然后后台按 ttl/3 续期；续期失败时取消返回的 ctx。
func (l *Lease) Hold(ctx context.Context, retry time.Duration) (context.Context, error) {
	for {
		ok, err := l.TryAcquire(ctx)
		if err == nil && ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}

	held, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		t := time.NewTicker(l.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-held.Done():
				rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
				_ = l.Release(rctx)
				rcancel()
				return
			case <-t.C:
				if ok, err := l.Renew(held); err != nil || !ok {
					return
				}
			}
		}
	}()
	return held, nil
}
