// Package orchestrator 决定哪个 provider 负责哪些 symbol，并监督 adapter 的生命周期。
// 所有状态只在 Run 的一个 goroutine 里改，外部调用通过 cmds 串行进循环，读走快照。
package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/datasource"
	"quotefeed.com/internal/quotes/directory"
	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/backoff"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/xerr"
)

var ErrStopped = errors.New("orchestrator: not running")

type Config struct {
	Profiles []model.ProviderProfile `mapstructure:"providers"`
	Chains   model.FallbackChains    `mapstructure:"fallback_chains"`

	RefreshInterval   time.Duration  `mapstructure:"refresh_interval"`
	RebalanceInterval time.Duration  `mapstructure:"rebalance_interval"`
	SuperviseInterval time.Duration  `mapstructure:"supervise_interval"`
	MaxRestarts       int            `mapstructure:"max_restarts"`
	RestartBackoff    backoff.Policy `mapstructure:"restart_backoff"`
	ShutdownGrace     time.Duration  `mapstructure:"shutdown_grace"`
}

func (c *Config) withDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Minute
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = time.Minute
	}
	if c.SuperviseInterval <= 0 {
		c.SuperviseInterval = 5 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.RestartBackoff.Base <= 0 {
		c.RestartBackoff = backoff.Policy{Base: 2 * time.Second, Max: time.Minute}
	}
	// 重启次数由 MaxRestarts 控制，退避本身不限次
	c.RestartBackoff.MaxAttempts = 0
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

// normalize 不改调用方的切片
func (c *Config) normalize() error {
	chains, err := c.Chains.Normalize()
	if err != nil {
		return err
	}
	c.Chains = chains
	profiles := make([]model.ProviderProfile, len(c.Profiles))
	for i, p := range c.Profiles {
		if err := p.NormalizeClasses(); err != nil {
			return err
		}
		profiles[i] = p
	}
	c.Profiles = profiles
	return nil
}

type Option func(*Orchestrator)

// WithFactory 替换 adapter 构造（测试用）
func WithFactory(f datasource.Factory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// provider 编排器视角下的 provider 运行态
type provider struct {
	profile  model.ProviderProfile
	phase    Phase
	gen      uint64
	worker   *worker
	restarts int
	restartB *backoff.Backoff
	excluded map[string]struct{}
	lastErr  string

	unhealthySince time.Time
}

// ProviderStatus 对外展示用
type ProviderStatus struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	Phase     Phase               `json:"phase"`
	Restarts  int                 `json:"restarts"`
	Assigned  int                 `json:"assigned"`
	Excluded  []string            `json:"excluded,omitempty"`
	LastError string              `json:"last_error,omitempty"`
	Healthy   bool                `json:"healthy"`
	State     *model.AdapterState `json:"state,omitempty"`
}

// Snapshot 某一时刻的只读视图，每次变更整体替换
type Snapshot struct {
	Assignment  model.Assignment   `json:"assignment"`
	Unassigned  []model.Instrument `json:"unassigned"`
	Providers   []ProviderStatus   `json:"providers"`
	Instruments int                `json:"instruments"`
	UpdatedAt   time.Time          `json:"updated_at"`

	adapters map[string]datasource.Adapter
}

type Orchestrator struct {
	cfg      Config
	dir      directory.Directory
	deps     datasource.Deps
	factory  datasource.Factory
	resolver *datasource.InstrumentSet

	// 以下只在循环 goroutine 里访问
	order       []string
	providers   map[string]*provider
	instruments []model.Instrument
	classOf     map[string]model.AssetClass
	assignment  model.Assignment
	unassigned  []model.Instrument

	events   chan event
	cmds     chan func(context.Context)
	restartc chan string
	quit     chan struct{}
	running  atomic.Bool
	workers  sync.WaitGroup

	snap atomic.Pointer[Snapshot]
}

// New 校验配置；每个 provider 先试构造一次 adapter，配置错误在启动时暴露
func New(cfg Config, dir directory.Directory, deps datasource.Deps, opts ...Option) (*Orchestrator, error) {
	cfg.withDefaults()
	if err := cfg.normalize(); err != nil {
		return nil, xerr.New(xerr.Config, "validate", "", err)
	}
	if err := ValidateProfiles(cfg.Profiles, cfg.Chains); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:        cfg,
		dir:        dir,
		factory:    datasource.New,
		resolver:   datasource.NewInstrumentSet(nil),
		providers:  make(map[string]*provider, len(cfg.Profiles)),
		classOf:    map[string]model.AssetClass{},
		assignment: model.Assignment{},
		events:     make(chan event, 64),
		cmds:       make(chan func(context.Context)),
		restartc:   make(chan string, len(cfg.Profiles)),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	deps.Resolver = o.resolver
	deps.OnReject = o.reject
	o.deps = deps

	for _, p := range cfg.Profiles {
		a, err := o.factory(p, deps)
		if err != nil {
			return nil, xerr.New(xerr.Config, "new_adapter", p.ID, err)
		}
		_ = a.Close()
		o.order = append(o.order, p.ID)
		o.providers[p.ID] = &provider{
			profile:  p,
			phase:    PhaseStopped,
			restartB: cfg.RestartBackoff.New(),
			excluded: map[string]struct{}{},
		}
	}
	slices.Sort(o.order)
	o.publish()
	return o, nil
}

// Run 阻塞直到 ctx 取消；退出前停掉所有 worker（超过 ShutdownGrace 强制关连接）
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already running")
	}

	// 启动时标的所属类别没配 chain、或 symbol 跨类别重复直接报错；运行期出现的只记日志丢弃
	list, err := o.dir.List(ctx)
	if err == nil {
		err = ValidateInstruments(list, o.cfg.Chains)
	}
	if err != nil {
		o.running.Store(false)
		return err
	}
	o.setInstruments(ctx, list)
	o.rebalanceFull(ctx, "startup")

	refreshT := time.NewTicker(o.cfg.RefreshInterval)
	rebalanceT := time.NewTicker(o.cfg.RebalanceInterval)
	superviseT := time.NewTicker(o.cfg.SuperviseInterval)
	defer refreshT.Stop()
	defer rebalanceT.Stop()
	defer superviseT.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-refreshT.C:
			o.refreshAndRebalance(ctx)
		case <-rebalanceT.C:
			o.rebalanceFull(ctx, "periodic")
		case <-superviseT.C:
			o.supervise(ctx)
		case ev := <-o.events:
			o.handleEvent(ctx, ev)
		case id := <-o.restartc:
			o.restart(ctx, id)
		case fn := <-o.cmds:
			fn(ctx)
		}
	}
}

// do 把 fn 放进循环执行并等它完成
func (o *Orchestrator) do(ctx context.Context, fn func(context.Context)) error {
	if !o.running.Load() {
		return ErrStopped
	}
	done := make(chan struct{})
	select {
	case o.cmds <- func(c context.Context) { fn(c); close(done) }:
	case <-o.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshInstruments 拉取目录；有变化时做一次全量重分配
func (o *Orchestrator) RefreshInstruments(ctx context.Context) (added, removed []model.Instrument, err error) {
	derr := o.do(ctx, func(c context.Context) {
		added, removed, err = o.refresh(c)
		if err == nil && (len(added) > 0 || len(removed) > 0) {
			o.rebalanceFull(c, "instruments")
		}
	})
	if derr != nil {
		return nil, nil, derr
	}
	return added, removed, err
}

// Rebalance 全量重算。instruments 非 nil 时先替换当前标的集合。
func (o *Orchestrator) Rebalance(ctx context.Context, instruments []model.Instrument) error {
	return o.do(ctx, func(c context.Context) {
		if instruments != nil {
			o.setInstruments(c, instruments)
		}
		o.rebalanceFull(c, "explicit")
	})
}

// HandleAdapterFailure 外部报告某个 provider 故障
func (o *Orchestrator) HandleAdapterFailure(ctx context.Context, providerID string, cause error) error {
	if cause == nil {
		cause = xerr.ErrConnectionLost
	}
	return o.do(ctx, func(c context.Context) {
		if p := o.providers[providerID]; p != nil {
			o.handleFailure(c, p, cause)
		}
	})
}

// Supervise 立即做一轮健康检查
func (o *Orchestrator) Supervise(ctx context.Context) error {
	return o.do(ctx, o.supervise)
}

func (o *Orchestrator) Snapshot() Snapshot {
	s := *o.snap.Load()
	s.Providers = slices.Clone(s.Providers)
	for i := range s.Providers {
		if a := s.adapters[s.Providers[i].ID]; a != nil {
			st := a.State()
			s.Providers[i].State = &st
			s.Providers[i].Healthy = a.HealthCheck()
		}
	}
	s.adapters = nil
	return s
}

func (o *Orchestrator) Assignment() model.Assignment { return o.snap.Load().Assignment.Clone() }

func (o *Orchestrator) Unassigned() []model.Instrument {
	return slices.Clone(o.snap.Load().Unassigned)
}

func (o *Orchestrator) States() []ProviderStatus { return o.Snapshot().Providers }

// ---- 以下只在循环里调用 ----

func (o *Orchestrator) refresh(ctx context.Context) (added, removed []model.Instrument, err error) {
	list, err := o.dir.List(ctx)
	if err != nil {
		// 保留上一份标的集合继续跑
		logger.Error(ctx, "list instruments", zap.Error(err))
		return nil, nil, err
	}
	prev := o.instruments
	o.setInstruments(ctx, list)
	added, removed = directory.Diff(prev, o.instruments)
	if len(added) > 0 || len(removed) > 0 {
		logger.Info(ctx, "instruments changed", zap.Int("added", len(added)), zap.Int("removed", len(removed)),
			zap.Int("total", len(o.instruments)))
	}
	return added, removed, nil
}

func (o *Orchestrator) refreshAndRebalance(ctx context.Context) {
	added, removed, err := o.refresh(ctx)
	if err == nil && (len(added) > 0 || len(removed) > 0) {
		o.rebalanceFull(ctx, "instruments")
	}
}

func (o *Orchestrator) setInstruments(ctx context.Context, list []model.Instrument) {
	routable, bad, ambiguous := SplitRoutable(list, o.cfg.Chains)
	for _, in := range bad {
		logger.Error(ctx, "no fallback chain for asset class, instrument dropped",
			zap.String("symbol", in.Symbol), zap.String("asset_class", string(in.AssetClass)))
	}
	for _, in := range ambiguous {
		logger.Error(ctx, "symbol listed under more than one asset class, instrument dropped",
			zap.String("symbol", in.Symbol), zap.String("asset_class", string(in.AssetClass)))
	}
	o.instruments = routable
	o.classOf = make(map[string]model.AssetClass, len(routable))
	for _, in := range routable {
		o.classOf[in.Symbol] = in.AssetClass
	}
	o.resolver.Update(routable)
}

func (o *Orchestrator) planInput() PlanInput {
	profiles := make(map[string]model.ProviderProfile, len(o.providers))
	avail := make(map[string]bool, len(o.providers))
	excl := make(map[string]map[string]struct{}, len(o.providers))
	for id, p := range o.providers {
		profiles[id] = p.profile
		avail[id] = p.phase != PhaseFailed && p.phase != PhaseRetired
		if len(p.excluded) > 0 {
			excl[id] = p.excluded
		}
	}
	return PlanInput{Profiles: profiles, Chains: o.cfg.Chains, Available: avail, Excluded: excl}
}

// rebalanceFull 全量重算；retired 的 provider 在这里复活
func (o *Orchestrator) rebalanceFull(ctx context.Context, reason string) {
	for _, id := range o.order {
		p := o.providers[id]
		if p.phase == PhaseRetired {
			logger.Info(ctx, "reviving retired provider", zap.String("provider", id))
			p.phase = PhaseStopped
			p.restarts = 0
			p.restartB.Reset()
		}
	}
	start := time.Now()
	in := o.planInput()
	in.Instruments = o.instruments
	plan := Compute(in)
	feedmetrics.RebalanceDuration.Observe(time.Since(start).Seconds())
	feedmetrics.RebalanceTotal.WithLabelValues("full").Inc()

	o.apply(ctx, plan.Assignment, plan.Unassigned, reason)
}

// rebalanceScoped 只重算受影响的资产类别，其它类别的分配原样保留并作为已用容量
func (o *Orchestrator) rebalanceScoped(ctx context.Context, classes map[model.AssetClass]bool, reason string) {
	if len(classes) == 0 {
		o.publish()
		return
	}
	start := time.Now()
	classOf := func(s string) model.AssetClass { return o.classOf[s] }

	in := o.planInput()
	in.Used = UsedBy(o.assignment, classOf, classes)
	for _, ins := range o.instruments {
		if classes[ins.AssetClass] {
			in.Instruments = append(in.Instruments, ins)
		}
	}
	plan := Compute(in)

	next := model.Assignment{}
	for id, syms := range o.assignment {
		for _, s := range syms {
			if !classes[classOf(s)] {
				next[id] = append(next[id], s)
			}
		}
	}
	for id, syms := range plan.Assignment {
		next[id] = append(next[id], syms...)
		slices.Sort(next[id])
	}
	var unassigned []model.Instrument
	for _, u := range o.unassigned {
		if !classes[u.AssetClass] {
			unassigned = append(unassigned, u)
		}
	}
	unassigned = append(unassigned, plan.Unassigned...)

	feedmetrics.RebalanceDuration.Observe(time.Since(start).Seconds())
	feedmetrics.RebalanceTotal.WithLabelValues("scoped").Inc()
	o.apply(ctx, next, unassigned, reason)
}

// apply 先缩（停掉/退订），再扩（启动/订阅），容量任何时刻都不超配
func (o *Orchestrator) apply(ctx context.Context, next model.Assignment, unassigned []model.Instrument, reason string) {
	changed := !next.Equal(o.assignment)
	for _, id := range o.order {
		p := o.providers[id]
		syms := next[id]
		if p.worker == nil {
			continue
		}
		if len(syms) == 0 {
			o.stopWorker(p)
			if p.phase != PhaseFailed && p.phase != PhaseRetired {
				p.phase = PhaseStopped
			}
			continue
		}
		if drops(o.assignment[id], syms) {
			p.worker.setTarget(syms)
		}
	}
	for _, id := range o.order {
		p := o.providers[id]
		syms := next[id]
		if len(syms) == 0 {
			continue
		}
		if p.worker == nil {
			if err := o.startWorker(ctx, p, syms); err != nil {
				logger.Error(ctx, "start adapter", zap.String("provider", id), zap.Error(err))
			}
			continue
		}
		if !drops(o.assignment[id], syms) && !slices.Equal(o.assignment[id], syms) {
			p.worker.setTarget(syms)
		}
	}

	o.assignment = next.Clone()
	o.unassigned = unassigned
	if len(unassigned) > 0 && changed {
		syms := make([]string, 0, len(unassigned))
		for _, u := range unassigned {
			syms = append(syms, u.Symbol)
		}
		logger.Error(ctx, "symbols without provider capacity", zap.Strings("symbols", syms))
	}
	if changed {
		logger.Info(ctx, "assignment changed", zap.String("reason", reason),
			zap.Int("assigned", next.Total()), zap.Int("unassigned", len(unassigned)))
	}
	o.publish()
}

// drops next 相比 cur 是否去掉了 symbol（两者都已排序）
func drops(cur, next []string) bool {
	for _, s := range cur {
		if _, ok := slices.BinarySearch(next, s); !ok {
			return true
		}
	}
	return false
}

func (o *Orchestrator) startWorker(ctx context.Context, p *provider, syms []string) error {
	a, err := o.factory(p.profile, o.deps)
	if err != nil {
		return err
	}
	p.gen++
	w := newWorker(p.profile, p.gen, a, o.events)
	w.setTarget(syms)
	p.worker = w
	p.phase = PhaseConnecting
	p.unhealthySince = time.Time{}
	o.workers.Add(1)
	// 不继承 Run 的 ctx：关停时要先给 worker 宽限期
	w.start(context.Background(), o.workers.Done)
	return nil
}

func (o *Orchestrator) stopWorker(p *provider) {
	if p.worker == nil {
		return
	}
	p.worker.stop()
	p.worker = nil
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev event) {
	p := o.providers[ev.provider]
	if p == nil {
		return
	}
	if len(ev.rejected) > 0 {
		o.handleRejected(ctx, p, ev.rejected)
		return
	}
	if p.worker == nil || ev.gen != p.gen {
		return
	}
	if ev.err != nil {
		o.handleFailure(ctx, p, ev.err)
		return
	}
	if ev.phase != "" && ev.phase != p.phase {
		p.phase = ev.phase
		if ev.phase == PhaseRunning {
			p.unhealthySince = time.Time{}
		}
		o.publish()
	}
}

// reject Deps.OnReject 回调，运行在 adapter 的 goroutine 里
func (o *Orchestrator) reject(provider string, symbols []string) {
	select {
	case o.events <- event{provider: provider, rejected: symbols}:
	case <-o.quit:
	}
}

// handleRejected 被拒的 symbol 从该 provider 排除，并重算这些 symbol 所在的类别
func (o *Orchestrator) handleRejected(ctx context.Context, p *provider, symbols []string) {
	classes := map[model.AssetClass]bool{}
	for _, s := range symbols {
		if _, dup := p.excluded[s]; dup {
			continue
		}
		p.excluded[s] = struct{}{}
		if c, ok := o.classOf[s]; ok {
			classes[c] = true
		}
	}
	if len(classes) == 0 {
		return
	}
	logger.Warn(ctx, "provider rejected symbols, re-planning", zap.String("provider", p.profile.ID),
		zap.Strings("symbols", symbols))
	o.rebalanceScoped(ctx, classes, "rejected")
}

func (o *Orchestrator) handleFailure(ctx context.Context, p *provider, cause error) {
	if p.phase == PhaseFailed || p.phase == PhaseRetired {
		return
	}
	id := p.profile.ID
	kind := xerr.KindOf(cause)
	feedmetrics.AdapterFailuresTotal.WithLabelValues(id, kind.String()).Inc()

	held := o.assignment[id]
	o.stopWorker(p)
	p.lastErr = cause.Error()
	p.unhealthySince = time.Time{}

	switch {
	case kind == xerr.NonRetryable || kind == xerr.Config:
		p.phase = PhaseRetired
	case p.restarts >= o.cfg.MaxRestarts:
		p.phase = PhaseRetired
	default:
		p.phase = PhaseFailed
		p.restarts++
		d, _ := p.restartB.Next()
		time.AfterFunc(d, func() {
			select {
			case o.restartc <- id:
			case <-o.quit:
			}
		})
		logger.Warn(ctx, "provider failed, restart scheduled", zap.String("provider", id),
			zap.Int("restarts", p.restarts), zap.Duration("in", d), zap.Error(cause))
	}
	if p.phase == PhaseRetired {
		logger.Error(ctx, "provider retired until next full rebalance", zap.String("provider", id),
			zap.String("kind", kind.String()), zap.Error(cause))
	}

	classes := map[model.AssetClass]bool{}
	for _, s := range held {
		classes[o.classOf[s]] = true
	}
	o.rebalanceScoped(ctx, classes, "failure")
}

// restart 重启延时到了：provider 回到可分配状态，重算它支持的类别
func (o *Orchestrator) restart(ctx context.Context, id string) {
	p := o.providers[id]
	if p == nil || p.phase != PhaseFailed {
		return
	}
	p.phase = PhaseStopped
	feedmetrics.AdapterRestartsTotal.WithLabelValues(id).Inc()
	logger.Info(ctx, "provider eligible again", zap.String("provider", id), zap.Int("restarts", p.restarts))

	classes := map[model.AssetClass]bool{}
	for _, c := range p.profile.AssetClasses {
		classes[c] = true
	}
	o.rebalanceScoped(ctx, classes, "restart")
}

// supervise 连续不健康超过 HealthCheckInterval 视为故障
func (o *Orchestrator) supervise(ctx context.Context) {
	now := time.Now()
	for _, id := range o.order {
		p := o.providers[id]
		if p.worker == nil {
			continue
		}
		if p.worker.adapter.HealthCheck() {
			p.unhealthySince = time.Time{}
			// worker 已经报过 Running，不会再报一次，恢复只能在这里做
			if p.phase == PhaseDegraded {
				p.phase = PhaseRunning
			}
			continue
		}
		if p.unhealthySince.IsZero() {
			p.unhealthySince = now
			if p.phase == PhaseRunning {
				p.phase = PhaseDegraded
			}
			continue
		}
		grace := p.profile.HealthCheckInterval
		if grace <= 0 {
			grace = o.cfg.SuperviseInterval
		}
		if since := now.Sub(p.unhealthySince); since >= grace {
			o.handleFailure(ctx, p, xerr.Transientf("health_check", id, "unhealthy for %s", since))
		}
	}
	o.publish()
}

func (o *Orchestrator) shutdown() {
	close(o.quit)
	var live []*worker
	for _, id := range o.order {
		if p := o.providers[id]; p.worker != nil {
			live = append(live, p.worker)
			o.stopWorker(p)
		}
	}
	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		logger.Warn(context.Background(), "workers did not stop within grace period, closing adapters",
			zap.Duration("grace", o.cfg.ShutdownGrace))
		for _, w := range live {
			_ = w.adapter.Close()
		}
	}
	o.running.Store(false)
	o.publish()
}

func (o *Orchestrator) publish() {
	s := &Snapshot{
		Assignment:  o.assignment.Clone(),
		Unassigned:  slices.Clone(o.unassigned),
		Instruments: len(o.instruments),
		UpdatedAt:   time.Now(),
		adapters:    make(map[string]datasource.Adapter, len(o.providers)),
	}
	for _, id := range o.order {
		p := o.providers[id]
		st := ProviderStatus{
			ID:        id,
			Kind:      p.profile.Kind,
			Phase:     p.phase,
			Restarts:  p.restarts,
			Assigned:  len(o.assignment[id]),
			LastError: p.lastErr,
		}
		for s := range p.excluded {
			st.Excluded = append(st.Excluded, s)
		}
		slices.Sort(st.Excluded)
		if p.worker != nil {
			s.adapters[id] = p.worker.adapter
		}
		s.Providers = append(s.Providers, st)

		feedmetrics.SetPhase(id, allPhases, string(p.phase))
		feedmetrics.AssignedSymbols.WithLabelValues(id).Set(float64(len(o.assignment[id])))
	}
	feedmetrics.UnassignedSymbols.Set(float64(len(o.unassigned)))
	o.snap.Store(s)
}
