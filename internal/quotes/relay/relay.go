// Package relay 从队列读报价，补上涨跌幅后转发给网关。
// 只有网关确认整批送达后才 ack；网关不可达时停止 ack、退避重连，恢复后先把自己的 pending 重读一遍。
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/gateway"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/internal/quotes/queue"
	"quotefeed.com/pkg/backoff"
	"quotefeed.com/pkg/logger"
)

type Config struct {
	Group      string   `mapstructure:"group"`
	Consumer   string   `mapstructure:"consumer"` // 固定名字，重启后才能接上自己的 pending
	Partitions []string `mapstructure:"partitions"`
	BatchSize  int      `mapstructure:"batch_size"`

	Block             time.Duration  `mapstructure:"block"`
	VisibilityTimeout time.Duration  `mapstructure:"visibility_timeout"` // 超过这个时间没 ack 的条目可被认领
	ClaimInterval     time.Duration  `mapstructure:"claim_interval"`
	ForwardTimeout    time.Duration  `mapstructure:"forward_timeout"`
	Backoff           backoff.Policy `mapstructure:"backoff"`
}

func (c *Config) withDefaults() {
	if c.Group == "" {
		c.Group = "relay"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = c.VisibilityTimeout / 2
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 10 * time.Second
	}
	// 网关/队列恢复前一直重试
	c.Backoff.MaxAttempts = 0
}

// RefSource 参考价来源，refprice.Cache 满足
type RefSource interface {
	Get(symbol string) (decimal.Decimal, bool)
}

type Relay struct {
	cfg  Config
	q    queue.Queue
	gw   gateway.Gateway
	refs RefSource

	lastClaim time.Time
	ackPolicy backoff.Policy
}

func New(cfg Config, q queue.Queue, gw gateway.Gateway, refs RefSource) (*Relay, error) {
	cfg.withDefaults()
	if cfg.Consumer == "" {
		return nil, errors.New("relay: consumer name required")
	}
	if len(cfg.Partitions) == 0 {
		return nil, errors.New("relay: no partitions")
	}
	return &Relay{
		cfg:       cfg,
		q:         q,
		gw:        gw,
		refs:      refs,
		lastClaim: time.Now(),
		ackPolicy: backoff.Policy{Base: 50 * time.Millisecond, Max: time.Second, MaxAttempts: 5},
	}, nil
}

// Run 阻塞直到 ctx 取消。取消时正在转发的那一批会做完（转发+ack 用独立的 ctx）。
func (r *Relay) Run(ctx context.Context) error {
	// ensureGroups 只会因 ctx 取消而失败
	if err := r.ensureGroups(ctx); err != nil {
		return nil
	}
	logger.Info(ctx, "relay started", zap.String("consumer", r.cfg.Consumer), zap.Strings("partitions", r.cfg.Partitions))

	qb := r.cfg.Backoff.New()
	pending := true // 先接上次没 ack 完的
	for ctx.Err() == nil {
		var (
			batch []queue.Entry
			err   error
		)
		switch {
		case pending:
			batch, err = r.q.ReadPending(ctx, r.args(0))
			if err == nil && len(batch) == 0 {
				pending = false
				continue
			}
		case time.Since(r.lastClaim) >= r.cfg.ClaimInterval:
			batch, err = r.claim(ctx)
		default:
			batch, err = r.q.Read(ctx, r.args(r.cfg.Block))
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn(ctx, "queue read failed", zap.Int("attempt", qb.Attempt()+1), zap.Error(err))
			if _, werr := qb.Wait(ctx); werr != nil {
				break
			}
			continue
		}
		qb.Reset()
		if len(batch) == 0 {
			continue
		}
		if err := r.deliver(ctx, batch); err != nil {
			logger.Warn(ctx, "gateway forward failed, holding acks", zap.Int("batch", len(batch)), zap.Error(err))
			pending = true
			if !r.reconnect(ctx) {
				break
			}
		}
	}
	logger.Info(context.Background(), "relay stopped", zap.String("consumer", r.cfg.Consumer))
	return nil
}

func (r *Relay) args(block time.Duration) queue.ReadArgs {
	return queue.ReadArgs{
		Group:      r.cfg.Group,
		Consumer:   r.cfg.Consumer,
		Partitions: r.cfg.Partitions,
		Count:      r.cfg.BatchSize,
		Block:      block,
	}
}

func (r *Relay) ensureGroups(ctx context.Context) error {
	b := r.cfg.Backoff.New()
	for _, p := range r.cfg.Partitions {
		for {
			err := r.q.EnsureGroup(ctx, p, r.cfg.Group)
			if err == nil {
				break
			}
			logger.Warn(ctx, "ensure consumer group", zap.String("partition", p), zap.Error(err))
			if _, werr := b.Wait(ctx); werr != nil {
				return werr
			}
		}
	}
	return nil
}

// claim 认领其他 consumer（或自己）超过可见性窗口还没 ack 的条目
func (r *Relay) claim(ctx context.Context) ([]queue.Entry, error) {
	r.lastClaim = time.Now()
	var out []queue.Entry
	for _, p := range r.cfg.Partitions {
		es, err := r.q.Claim(ctx, r.cfg.Group, r.cfg.Consumer, p, r.cfg.VisibilityTimeout, r.cfg.BatchSize-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
		if len(out) >= r.cfg.BatchSize {
			break
		}
	}
	if len(out) > 0 {
		logger.Info(ctx, "claimed stale entries", zap.Int("n", len(out)))
	}
	return out, nil
}

// Enrich 查参考价并计算涨跌；查不到 change_* 为 null
func (r *Relay) Enrich(ev model.QuoteEvent) model.EnrichedQuote {
	ref, ok := r.refs.Get(ev.Symbol)
	if !ok {
		feedmetrics.RelayMissingRefTotal.Inc()
	}
	return model.Enrich(ev, ref, ok)
}

// deliver 转发一批并 ack。返回错误表示网关没确认，条目保持 pending。
func (r *Relay) deliver(ctx context.Context, batch []queue.Entry) error {
	var (
		good    []queue.Entry
		corrupt []queue.Entry
		quotes  = make([]model.EnrichedQuote, 0, len(batch))
	)
	for _, e := range batch {
		if e.Corrupt {
			corrupt = append(corrupt, e)
			continue
		}
		good = append(good, e)
		quotes = append(quotes, r.Enrich(e.Event))
	}
	// 转发和 ack 不跟随 ctx 取消：关停时把手上这批做完
	detached := context.WithoutCancel(ctx)
	if len(corrupt) > 0 {
		logger.Warn(ctx, "dropping undecodable entries", zap.Int("n", len(corrupt)))
		r.ack(detached, corrupt)
	}
	if len(quotes) == 0 {
		return nil
	}

	fctx, cancel := context.WithTimeout(detached, r.cfg.ForwardTimeout)
	start := time.Now()
	err := r.gw.Forward(fctx, quotes)
	cancel()
	feedmetrics.ObserveForward(len(quotes), time.Since(start), err)
	if err != nil {
		return err
	}
	r.ack(detached, good)
	return nil
}

// ack 失败只记日志：条目留在 pending，之后会被重投（重复可接受）
func (r *Relay) ack(ctx context.Context, entries []queue.Entry) {
	for partition, ids := range queue.GroupByPartition(entries) {
		err := r.ackPolicy.Retry(ctx, func(ctx context.Context) error {
			return r.q.Ack(ctx, r.cfg.Group, partition, ids...)
		})
		if err != nil {
			logger.Error(ctx, "ack failed, entries will be redelivered", zap.String("partition", partition),
				zap.Int("n", len(ids)), zap.Error(err))
		}
	}
}

// reconnect 退避重连网关直到成功；ctx 取消返回 false
func (r *Relay) reconnect(ctx context.Context) bool {
	b := r.cfg.Backoff.New()
	for {
		if _, err := b.Wait(ctx); err != nil {
			return false
		}
		err := r.gw.Reconnect(ctx)
		if err == nil {
			logger.Info(ctx, "gateway reachable again", zap.Int("attempts", b.Attempt()))
			return true
		}
		logger.Warn(ctx, "gateway reconnect failed", zap.Int("attempt", b.Attempt()), zap.Error(err))
	}
}
