package orchestrator

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/backoff"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/safe"
	"quotefeed.com/pkg/xerr"
)

type Phase string

const (
	PhaseStopped     Phase = "stopped"
	PhaseConnecting  Phase = "connecting"
	PhaseSubscribing Phase = "subscribing"
	PhaseRunning     Phase = "running"
	PhaseDegraded    Phase = "degraded"
	PhaseFailed      Phase = "failed"
	PhaseRetired     Phase = "retired"
)

var allPhases = []string{
	string(PhaseStopped), string(PhaseConnecting), string(PhaseSubscribing),
	string(PhaseRunning), string(PhaseDegraded), string(PhaseFailed), string(PhaseRetired),
}

// 连接持续这么久以上算稳定，退避计数清零
const stableRun = time.Minute

// event worker -> 主循环。gen 用来丢弃已被替换的旧 worker 的消息。
type event struct {
	provider string
	gen      uint64
	phase    Phase
	err      error    // worker 放弃了（重试用完或不可重试）
	rejected []string // 上游拒绝的 symbol
}

// worker 一个 adapter 实例的生命周期：连接、订阅、运行、断线重连。
// 订阅目标由编排器通过 setTarget 下发，notify 合并多次更新，worker 只看最新的目标。
type worker struct {
	id      string
	gen     uint64
	adapter datasource.Adapter
	policy  backoff.Policy
	events  chan<- event
	logCtx  context.Context

	mu     sync.Mutex
	target []string
	notify chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(p model.ProviderProfile, gen uint64, a datasource.Adapter, events chan<- event) *worker {
	attempts := p.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	base := p.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	return &worker{
		id:      p.ID,
		gen:     gen,
		adapter: a,
		policy:  backoff.Policy{Base: base, Max: 30 * base, MaxAttempts: attempts},
		events:  events,
		logCtx:  logger.With(context.Background(), zap.String("provider", p.ID)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (w *worker) start(parent context.Context, onExit func()) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer onExit()
		w.run(ctx)
	}, func(err error) {
		w.send(ctx, event{err: err})
	})
}

func (w *worker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *worker) setTarget(syms []string) {
	w.mu.Lock()
	w.target = slices.Clone(syms)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *worker) send(ctx context.Context, ev event) {
	ev.provider = w.id
	ev.gen = w.gen
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *worker) fail(ctx context.Context, err error) {
	logger.Error(w.logCtx, "adapter gave up", zap.Error(err))
	w.send(ctx, event{err: err})
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() { _ = w.adapter.Close() }()

	b := w.policy.New()
	for {
		if !w.connect(ctx, b) {
			return
		}
		w.send(ctx, event{phase: PhaseSubscribing})
		w.sync(ctx)
		w.send(ctx, event{phase: PhaseRunning})

		started := time.Now()
		err := w.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= stableRun {
			b.Reset()
		}
		if !xerr.IsRetryable(err) {
			w.fail(ctx, err)
			return
		}
		logger.Warn(w.logCtx, "adapter run ended, reconnecting", zap.Int("attempt", b.Attempt()+1), zap.Error(err))
		w.send(ctx, event{phase: PhaseDegraded})
		more, werr := b.Wait(ctx)
		if werr != nil {
			return
		}
		if !more {
			w.fail(ctx, err)
			return
		}
	}
}

func (w *worker) connect(ctx context.Context, b *backoff.Backoff) bool {
	w.send(ctx, event{phase: PhaseConnecting})
	for {
		err := w.adapter.Connect(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !xerr.IsRetryable(err) {
			w.fail(ctx, err)
			return false
		}
		logger.Warn(w.logCtx, "connect failed", zap.Int("attempt", b.Attempt()+1), zap.Error(err))
		more, werr := b.Wait(ctx)
		if werr != nil {
			return false
		}
		if !more {
			w.fail(ctx, err)
			return false
		}
	}
}

// serve 跑 adapter.Run，期间处理订阅目标变化
func (w *worker) serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	safe.GoCtx(runCtx, func(ctx context.Context) {
		errc <- w.adapter.Run(ctx)
	}, func(err error) {
		errc <- err
	})

	for {
		select {
		case err := <-errc:
			return err
		case <-w.notify:
			w.sync(ctx)
		case <-ctx.Done():
			cancel()
			<-errc
			return ctx.Err()
		}
	}
}

// sync 把 adapter 的订阅集合对齐到最新目标：先退订再订阅
func (w *worker) sync(ctx context.Context) {
	w.mu.Lock()
	target := slices.Clone(w.target)
	w.mu.Unlock()

	cur := w.adapter.State().Subscribed
	want := make(map[string]struct{}, len(target))
	for _, s := range target {
		want[s] = struct{}{}
	}
	have := make(map[string]struct{}, len(cur))
	var drop []string
	for _, s := range cur {
		have[s] = struct{}{}
		if _, ok := want[s]; !ok {
			drop = append(drop, s)
		}
	}
	var add []string
	for _, s := range target {
		if _, ok := have[s]; !ok {
			add = append(add, s)
		}
	}

	if len(drop) > 0 {
		if err := w.adapter.Unsubscribe(ctx, drop); err != nil {
			logger.Warn(w.logCtx, "unsubscribe failed", zap.Strings("symbols", drop), zap.Error(err))
		}
	}
	if len(add) == 0 {
		return
	}
	err := w.adapter.Subscribe(ctx, add)
	if rej := datasource.RejectedSymbols(err); len(rej) > 0 {
		logger.Warn(w.logCtx, "symbols rejected", zap.Strings("symbols", rej))
		w.send(ctx, event{rejected: rej})
		return
	}
	if err != nil {
		// 写失败说明连接有问题，Run 会报出来
		logger.Warn(w.logCtx, "subscribe failed", zap.Strings("symbols", add), zap.Error(err))
	}
}
