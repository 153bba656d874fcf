package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
)

// MemQueue 进程内实现，语义对齐 RedisQueue（pending、投递次数、trim），dev 和测试用
type MemQueue struct {
	mu     sync.Mutex
	parts  map[string]*memPartition
	maxLen int
	// signal 有新条目时 close 并替换，阻塞读等在上面
	signal chan struct{}
	now    func() time.Time
	closed bool
}

type memPartition struct {
	seq     uint64
	entries []memEntry // 按追加顺序
	groups  map[string]*memGroup
}

type memEntry struct {
	seq uint64
	id  string
	ev  model.QuoteEvent
}

type memGroup struct {
	lastSeq uint64
	pending map[string]*memPending
}

type memPending struct {
	seq         uint64
	consumer    string
	deliveredAt time.Time
	count       int64
}

func NewMemQueue(maxLen int) *MemQueue {
	return &MemQueue{
		parts:  make(map[string]*memPartition),
		maxLen: maxLen,
		signal: make(chan struct{}),
		now:    time.Now,
	}
}

// SetClock 测试里控制可见性窗口
func (q *MemQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *MemQueue) part(name string) *memPartition {
	p := q.parts[name]
	if p == nil {
		p = &memPartition{groups: make(map[string]*memGroup)}
		q.parts[name] = p
	}
	return p
}

func (q *MemQueue) Append(ctx context.Context, partition string, ev model.QuoteEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", unavailable("append", partition, fmt.Errorf("queue closed"))
	}
	p := q.part(partition)
	p.seq++
	id := fmt.Sprintf("%d-%d", q.now().UnixMilli(), p.seq)
	p.entries = append(p.entries, memEntry{seq: p.seq, id: id, ev: ev})
	if q.maxLen > 0 && len(p.entries) > q.maxLen {
		drop := len(p.entries) - q.maxLen
		p.entries = append(p.entries[:0:0], p.entries[drop:]...)
	}
	close(q.signal)
	q.signal = make(chan struct{})
	q.mu.Unlock()

	feedmetrics.QueueAppendTotal.WithLabelValues(partition).Inc()
	return id, nil
}

func (q *MemQueue) EnsureGroup(ctx context.Context, partition, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.part(partition)
	if _, ok := p.groups[group]; !ok {
		p.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (q *MemQueue) Read(ctx context.Context, a ReadArgs) ([]Entry, error) {
	var deadline <-chan time.Time
	if a.Block > 0 {
		t := time.NewTimer(a.Block)
		defer t.Stop()
		deadline = t.C
	}
	for {
		q.mu.Lock()
		out, err := q.readNewLocked(a)
		wait := q.signal
		q.mu.Unlock()
		if err != nil || len(out) > 0 || deadline == nil {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (q *MemQueue) readNewLocked(a ReadArgs) ([]Entry, error) {
	if q.closed {
		return nil, unavailable("read", "", fmt.Errorf("queue closed"))
	}
	now := q.now()
	var out []Entry
	for _, name := range a.Partitions {
		p := q.parts[name]
		if p == nil {
			continue
		}
		g := p.groups[a.Group]
		if g == nil {
			return nil, unavailable("read", name, fmt.Errorf("NOGROUP %s", a.Group))
		}
		for _, e := range p.entries {
			if a.Count > 0 && len(out) >= a.Count {
				break
			}
			if e.seq <= g.lastSeq {
				continue
			}
			g.lastSeq = e.seq
			g.pending[e.id] = &memPending{seq: e.seq, consumer: a.Consumer, deliveredAt: now, count: 1}
			out = append(out, Entry{Partition: name, ID: e.id, Event: e.ev, DeliveryCount: 1})
		}
	}
	return out, nil
}

func (q *MemQueue) ReadPending(ctx context.Context, a ReadArgs) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, unavailable("read", "", fmt.Errorf("queue closed"))
	}
	var out []Entry
	for _, name := range a.Partitions {
		p := q.parts[name]
		if p == nil || p.groups[a.Group] == nil {
			continue
		}
		for _, pe := range sortedPending(p.groups[a.Group].pending) {
			if pe.p.consumer != a.Consumer {
				continue
			}
			if a.Count > 0 && len(out) >= a.Count {
				break
			}
			out = append(out, p.entryFor(name, pe.id, pe.p))
		}
	}
	return out, nil
}

func (q *MemQueue) Claim(ctx context.Context, group, consumer, partition string, minIdle time.Duration, count int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.parts[partition]
	if p == nil || p.groups[group] == nil {
		return nil, nil
	}
	now := q.now()
	var out []Entry
	for _, pe := range sortedPending(p.groups[group].pending) {
		if count > 0 && len(out) >= count {
			break
		}
		if now.Sub(pe.p.deliveredAt) < minIdle {
			continue
		}
		pe.p.consumer = consumer
		pe.p.deliveredAt = now
		pe.p.count++
		out = append(out, p.entryFor(partition, pe.id, pe.p))
	}
	if len(out) > 0 {
		feedmetrics.QueueRedeliveredTotal.WithLabelValues(partition).Add(float64(len(out)))
	}
	return out, nil
}

func (q *MemQueue) Ack(ctx context.Context, group, partition string, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return unavailable("ack", partition, fmt.Errorf("queue closed"))
	}
	p := q.parts[partition]
	if p == nil || p.groups[group] == nil {
		return nil
	}
	for _, id := range ids {
		delete(p.groups[group].pending, id)
	}
	return nil
}

func (q *MemQueue) Len(ctx context.Context, partition string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.parts[partition]
	if p == nil {
		return 0, nil
	}
	return int64(len(p.entries)), nil
}

// Pending 测试用：group 在分区上未 ack 的条目数
func (q *MemQueue) Pending(partition, group string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.parts[partition]
	if p == nil || p.groups[group] == nil {
		return 0
	}
	return len(p.groups[group].pending)
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.signal)
	}
	return nil
}

func (p *memPartition) entryFor(name, id string, pe *memPending) Entry {
	e := Entry{Partition: name, ID: id, DeliveryCount: pe.count}
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].seq >= pe.seq })
	if i < len(p.entries) && p.entries[i].seq == pe.seq {
		e.Event = p.entries[i].ev
	} else {
		e.Corrupt = true // 已被 trim
	}
	return e
}

type pendingRef struct {
	id string
	p  *memPending
}

func sortedPending(m map[string]*memPending) []pendingRef {
	out := make([]pendingRef, 0, len(m))
	for id, p := range m {
		out = append(out, pendingRef{id: id, p: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].p.seq < out[j].p.seq })
	return out
}
