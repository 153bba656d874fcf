package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/metrics"
	"quotefeed.com/pkg/xerr"
)

type RedisOptions struct {
	Prefix string // stream key 前缀，默认 quotes
	MaxLen int64  // 每个分区保留长度（近似 trim），<=0 不 trim
}

// RedisQueue Redis Streams 实现：一个 provider 一个 stream
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
}

func NewRedisQueue(rdb *redis.Client, o RedisOptions) *RedisQueue {
	if o.Prefix == "" {
		o.Prefix = "quotes"
	}
	return &RedisQueue{rdb: rdb, prefix: o.Prefix, maxLen: o.MaxLen}
}

func (q *RedisQueue) key(partition string) string { return q.prefix + ":" + partition }

func (q *RedisQueue) partitionOf(key string) string { return strings.TrimPrefix(key, q.prefix+":") }

func (q *RedisQueue) Append(ctx context.Context, partition string, ev model.QuoteEvent) (string, error) {
	b, err := encode(ev)
	if err != nil {
		return "", xerr.New(xerr.NonRetryable, "append", partition, err)
	}
	args := &redis.XAddArgs{
		Stream: q.key(partition),
		Values: map[string]any{payloadField: b},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	start := time.Now()
	id, err := q.rdb.XAdd(ctx, args).Result()
	observe("xadd", start, err)
	if err != nil {
		return "", unavailable("append", partition, err)
	}
	feedmetrics.QueueAppendTotal.WithLabelValues(partition).Inc()
	return id, nil
}

func (q *RedisQueue) EnsureGroup(ctx context.Context, partition, group string) error {
	// 从 0 开始：group 建立之前已经写入的条目也要投递
	err := q.rdb.XGroupCreateMkStream(ctx, q.key(partition), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return unavailable("ensure_group", partition, err)
	}
	return nil
}

func (q *RedisQueue) Read(ctx context.Context, a ReadArgs) ([]Entry, error) {
	return q.readGroup(ctx, a, NewEntries)
}

func (q *RedisQueue) ReadPending(ctx context.Context, a ReadArgs) ([]Entry, error) {
	a.Block = 0
	entries, err := q.readGroup(ctx, a, "0")
	if err != nil || len(entries) == 0 {
		return entries, err
	}
	// XREADGROUP 不返回投递次数，再查一次 PEL
	counts := make(map[string]int64, len(entries))
	for _, p := range a.Partitions {
		pend, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   q.key(p),
			Group:    a.Group,
			Start:    "-",
			End:      "+",
			Count:    int64(max(a.Count, len(entries))),
			Consumer: a.Consumer,
		}).Result()
		if err != nil {
			return nil, unavailable("xpending", p, err)
		}
		for _, pe := range pend {
			counts[p+"/"+pe.ID] = pe.RetryCount
		}
	}
	for i := range entries {
		entries[i].DeliveryCount = counts[entries[i].Partition+"/"+entries[i].ID]
	}
	return entries, nil
}

func (q *RedisQueue) readGroup(ctx context.Context, a ReadArgs, id string) ([]Entry, error) {
	if len(a.Partitions) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, 2*len(a.Partitions))
	for _, p := range a.Partitions {
		streams = append(streams, q.key(p))
	}
	for range a.Partitions {
		streams = append(streams, id)
	}
	block := time.Duration(-1)
	if a.Block > 0 {
		block = a.Block
	}
	start := time.Now()
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    a.Group,
		Consumer: a.Consumer,
		Streams:  streams,
		Count:    int64(a.Count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		observe("xreadgroup", start, nil)
		return nil, nil
	}
	observe("xreadgroup", start, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("read", "", err)
	}

	var out []Entry
	for _, s := range res {
		part := q.partitionOf(s.Stream)
		for _, m := range s.Messages {
			e := toEntry(part, m)
			if id == NewEntries {
				e.DeliveryCount = 1
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *RedisQueue) Claim(ctx context.Context, group, consumer, partition string, minIdle time.Duration, count int) ([]Entry, error) {
	key := q.key(partition)
	pend, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("xpending", partition, err)
	}
	ids := make([]string, 0, len(pend))
	counts := make(map[string]int64, len(pend))
	for _, p := range pend {
		if p.Idle < minIdle {
			continue
		}
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount + 1
	}
	if len(ids) == 0 {
		return nil, nil
	}

	start := time.Now()
	msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	observe("xclaim", start, err)
	if err != nil {
		return nil, unavailable("claim", partition, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := toEntry(partition, m)
		e.DeliveryCount = counts[m.ID]
		out = append(out, e)
	}
	if len(out) > 0 {
		feedmetrics.QueueRedeliveredTotal.WithLabelValues(partition).Add(float64(len(out)))
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, group, partition string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	start := time.Now()
	err := q.rdb.XAck(ctx, q.key(partition), group, ids...).Err()
	observe("xack", start, err)
	if err != nil {
		return unavailable("ack", partition, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, partition string) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.key(partition)).Result()
	if err != nil {
		return 0, unavailable("len", partition, err)
	}
	return n, nil
}

// Close client 由调用方持有，这里不关
func (q *RedisQueue) Close() error { return nil }

func toEntry(partition string, m redis.XMessage) Entry {
	e := Entry{Partition: partition, ID: m.ID}
	raw, ok := m.Values[payloadField]
	if !ok {
		// 已被 trim 的条目 XREADGROUP 0 会返回空 values
		e.Corrupt = true
		return e
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	}
	ev, err := decode(b)
	if err != nil {
		e.Corrupt = true
		return e
	}
	e.Event = ev
	return e
}

func unavailable(op, partition string, err error) error {
	return xerr.New(xerr.QueueUnavailable, op, partition, errors.Join(xerr.ErrQueueUnavailable, err))
}

func observe(cmd string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "err"
	}
	metrics.RedisCmdDuration.WithLabelValues(cmd, status).Observe(time.Since(start).Seconds())
}
