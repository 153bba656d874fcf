// Package queue 是 adapter 和 relay 之间的持久化缓冲：每个 provider 一个分区，
// consumer group + ack 实现 at-least-once，超过可见性窗口未 ack 的条目可被重新认领。
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/logger"
)

// NewEntries XREADGROUP 里表示“只读未投递过的条目”
const NewEntries = ">"

type Entry struct {
	Partition     string
	ID            string
	Event         model.QuoteEvent
	DeliveryCount int64
	// Corrupt payload 解不出来或已被 trim，relay 直接 ack 掉
	Corrupt bool
}

type ReadArgs struct {
	Group    string
	Consumer string
	// Partitions 一次读多个分区，分区之间不保证顺序，分区内按追加顺序
	Partitions []string
	Count      int
	Block      time.Duration // <=0 不阻塞
}

type Queue interface {
	Append(ctx context.Context, partition string, ev model.QuoteEvent) (string, error)
	EnsureGroup(ctx context.Context, partition, group string) error
	// Read 读新条目，读到的条目进入该 consumer 的 pending 列表
	Read(ctx context.Context, a ReadArgs) ([]Entry, error)
	// ReadPending 读该 consumer 自己已投递未 ack 的条目（重启/网关恢复后用）
	ReadPending(ctx context.Context, a ReadArgs) ([]Entry, error)
	// Claim 把任意 consumer 名下空闲超过 minIdle 的条目转到当前 consumer
	Claim(ctx context.Context, group, consumer, partition string, minIdle time.Duration, count int) ([]Entry, error)
	Ack(ctx context.Context, group, partition string, ids ...string) error
	Len(ctx context.Context, partition string) (int64, error)
	Close() error
}

// GroupByPartition ack 按分区批量提交
func GroupByPartition(entries []Entry) map[string][]string {
	out := make(map[string][]string, 4)
	for _, e := range entries {
		out[e.Partition] = append(out[e.Partition], e.ID)
	}
	return out
}

// ObserveDepth 定期采样各分区长度，ctx 取消后退出
func ObserveDepth(ctx context.Context, q Queue, partitions []string, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			for _, p := range partitions {
				n, err := q.Len(ctx, p)
				if err != nil {
					logger.Debug(ctx, "sample queue depth", zap.String("partition", p), zap.Error(err))
					continue
				}
				feedmetrics.QueueDepth.WithLabelValues(p).Set(float64(n))
			}
		}
	}()
}
