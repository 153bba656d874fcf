package datasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/xerr"
)

// Protocol 一个推送型 provider 的线上协议。实现必须是纯的：不持有连接，不做 IO。
type Protocol interface {
	URL() (string, error)
	WireSymbol(symbol string, class model.AssetClass) (string, error)
	// MaxPerMessage 一条订阅消息最多带几个 symbol，<=0 不限
	MaxPerMessage() int
	SubscribeMsg(wire []string) ([]byte, error)
	UnsubscribeMsg(wire []string) ([]byte, error)
	// Parse 控制类消息返回 (nil, nil)；返回 NonRetryable 错误会让 Run 直接退出
	Parse(msg []byte) ([]Tick, error)
}

// AppPinger 协议自带应用层心跳时实现，否则用 websocket ping 帧
type AppPinger interface {
	PingMsg() []byte
}

type StreamOptions struct {
	ReadLimit int64
	WriteWait time.Duration
	// IdleTimeout 多久没有任何入站流量就发探测
	IdleTimeout time.Duration
	// ProbeWait 探测发出后多久仍无流量判定连接已死
	ProbeWait time.Duration
}

func (o StreamOptions) withDefaults(p model.ProviderProfile) StreamOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = p.HealthCheckInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.ProbeWait <= 0 {
		o.ProbeWait = 10 * time.Second
	}
	return o
}

// Stream WebSocket 推送引擎：一个实例一条连接，断线后由编排器重新 Connect
type Stream struct {
	base
	proto Protocol
	opts  StreamOptions

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewStream(p model.ProviderProfile, d Deps, proto Protocol, o StreamOptions) *Stream {
	d = d.withDefaults()
	// 推送型只对控制消息限流
	d.Limits.Register(p.ID, p.CallsPerMinute)
	return &Stream{
		base:  newBase(p, d),
		proto: proto,
		opts:  o.withDefaults(p),
	}
}

func (s *Stream) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Stream) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil && s.isConnected() {
		return nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	url, err := s.proto.URL()
	if err != nil {
		return xerr.New(xerr.NonRetryable, "connect", s.ID(), err)
	}
	c, resp, err := s.deps.Dialer.DialContext(ctx, url, nil)
	feedmetrics.ObserveConnect(s.ID(), err)
	if err != nil {
		s.recordError()
		return classifyHTTP("connect", s.ID(), resp, err)
	}

	c.SetReadLimit(s.opts.ReadLimit)
	c.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	c.SetPingHandler(func(appData string) error {
		s.touch()
		cp := []byte(appData)
		return c.WriteControl(websocket.PongMessage, cp, time.Now().Add(s.opts.WriteWait))
	})
	s.conn = c
	s.touch()
	s.setConnected(true)

	// 重连：按原订阅顺序重发
	if wires := s.wireSymbols(); len(wires) > 0 {
		if err := s.sendControl(ctx, c, wires, s.proto.SubscribeMsg, nil); err != nil {
			_ = c.Close()
			s.conn = nil
			s.setConnected(false)
			s.recordError()
			return err
		}
	}
	s.resetErrors()
	logger.Info(s.logCtx, "upstream connected", zap.Int("symbols", len(s.wireSymbols())))
	return nil
}

func (s *Stream) Subscribe(ctx context.Context, symbols []string) error {
	ms, rejected := s.resolve(symbols, s.proto.WireSymbol)
	if len(ms) > 0 {
		c := s.currentConn()
		if c == nil || !s.isConnected() {
			// 连上以后 Connect 统一发送
			s.track(ms)
		} else {
			byWire := make(map[string]mapped, len(ms))
			wires := make([]string, 0, len(ms))
			for _, m := range ms {
				byWire[m.wire] = m
				wires = append(wires, m.wire)
			}
			err := s.sendControl(ctx, c, wires, s.proto.SubscribeMsg, func(sent []string) {
				part := make([]mapped, 0, len(sent))
				for _, w := range sent {
					part = append(part, byWire[w])
				}
				s.track(part)
			})
			if err != nil {
				return err
			}
		}
		feedmetrics.SubOpsTotal.WithLabelValues(s.ID(), "sub").Add(float64(len(ms)))
	}
	return rejection(s.ID(), rejected)
}

func (s *Stream) Unsubscribe(ctx context.Context, symbols []string) error {
	removed := s.untrack(symbols)
	if len(removed) == 0 {
		return nil
	}
	feedmetrics.SubOpsTotal.WithLabelValues(s.ID(), "unsub").Add(float64(len(removed)))
	c := s.currentConn()
	if c == nil || !s.isConnected() {
		return nil
	}
	wires := make([]string, 0, len(removed))
	for _, m := range removed {
		wires = append(wires, m.wire)
	}
	return s.sendControl(ctx, c, wires, s.proto.UnsubscribeMsg, nil)
}

// sendControl 分批发控制消息，每条消息占一个限流令牌；onSent 在每批写成功后回调
func (s *Stream) sendControl(ctx context.Context, c *websocket.Conn, wires []string,
	build func([]string) ([]byte, error), onSent func([]string)) error {
	for _, batch := range chunk(wires, s.proto.MaxPerMessage()) {
		if err := s.deps.Limits.Wait(ctx, s.ID()); err != nil {
			return err
		}
		msg, err := build(batch)
		if err != nil {
			return xerr.New(xerr.NonRetryable, "encode", s.ID(), err)
		}
		if err := s.write(c, msg); err != nil {
			return xerr.New(xerr.Transient, "write", s.ID(), errors.Join(xerr.ErrConnectionLost, err))
		}
		if onSent != nil {
			onSent(batch)
		}
	}
	return nil
}

func (s *Stream) write(c *websocket.Conn, msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	return c.WriteMessage(websocket.TextMessage, msg)
}

func (s *Stream) Run(ctx context.Context) error {
	c := s.currentConn()
	if c == nil || !s.isConnected() {
		return xerr.New(xerr.Transient, "run", s.ID(), xerr.ErrNotConnected)
	}
	s.setRunning(true)
	defer func() {
		s.setRunning(false)
		s.setConnected(false)
		_ = c.Close()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	go s.probe(runCtx, c, lost)
	go func() {
		<-runCtx.Done()
		// 关连接让 ReadMessage 立刻返回
		_ = c.Close()
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-lost:
				return xerr.New(xerr.Transient, "run", s.ID(),
					fmt.Errorf("%w: no traffic %s after probe", xerr.ErrConnectionLost, s.opts.ProbeWait))
			default:
			}
			return xerr.New(xerr.Transient, "run", s.ID(), errors.Join(xerr.ErrConnectionLost, err))
		}
		s.touch()

		ticks, err := s.proto.Parse(msg)
		if err != nil {
			if !xerr.IsRetryable(err) {
				return err
			}
			feedmetrics.ParseErrorsTotal.WithLabelValues(s.ID()).Inc()
			logger.Debug(s.logCtx, "drop undecodable message", zap.Error(err))
			continue
		}
		for _, t := range ticks {
			if err := s.emit(ctx, t); err != nil {
				return err
			}
		}
	}
}

// probe 空闲超过 IdleTimeout 发一次探测；ProbeWait 内仍无任何入站流量就关掉连接。
// 不用读超时做这件事：gorilla 读超时之后连接就不可用了。
func (s *Stream) probe(ctx context.Context, c *websocket.Conn, lost chan struct{}) {
	every := max(s.opts.IdleTimeout/4, 10*time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()

	var probeAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := s.deps.Now()
		if !probeAt.IsZero() {
			if s.lastMsg.Load() > probeAt.UnixNano() {
				probeAt = time.Time{}
				continue
			}
			if now.Sub(probeAt) >= s.opts.ProbeWait {
				logger.Warn(s.logCtx, "upstream silent after probe, closing")
				close(lost)
				_ = c.Close()
				return
			}
			continue
		}
		if s.sinceLastMessage() < s.opts.IdleTimeout {
			continue
		}
		var err error
		if p, ok := s.proto.(AppPinger); ok {
			err = s.write(c, p.PingMsg())
		} else {
			err = c.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait))
		}
		feedmetrics.PingSentTotal.WithLabelValues(s.ID()).Inc()
		if err != nil {
			close(lost)
			_ = c.Close()
			return
		}
		probeAt = now
	}
}

func (s *Stream) HealthCheck() bool {
	return s.isConnected() && s.sinceLastMessage() < s.opts.IdleTimeout+s.opts.ProbeWait
}

func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.setConnected(false)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// classifyHTTP 握手/请求失败按状态码分类：401/403 不可重试，其余按瞬时错误处理
func classifyHTTP(op, provider string, resp *http.Response, err error) error {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return xerr.New(xerr.NonRetryable, op, provider,
				fmt.Errorf("%w: http %d", xerr.ErrAuthRejected, resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return xerr.New(xerr.Transient, op, provider, fmt.Errorf("http %d: %v", resp.StatusCode, err))
		}
	}
	return xerr.New(xerr.Transient, op, provider, err)
}

var _ Adapter = (*Stream)(nil)
