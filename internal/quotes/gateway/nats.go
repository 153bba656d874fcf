package gateway

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/bufpool"
	"quotefeed.com/pkg/logger"
)

type NatsConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	SubjectPrefix string        `mapstructure:"subject_prefix"` // 默认 quotes
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`  // 整批发完等服务端确认
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// NatsGateway 每条报价发到 <prefix>.<SYMBOL>，整批 Publish 后 Flush 等服务端 PONG 才算送达
type NatsGateway struct {
	cfg  NatsConfig
	opts []nats.Option

	mu sync.Mutex
	nc *nats.Conn
}

func NewNats(cfg NatsConfig, opts ...nats.Option) (*NatsGateway, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "quotes"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	base := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectHandler(func(*nats.Conn) {
			feedmetrics.GatewayConnected.Set(0)
			logger.Warn(context.Background(), "nats disconnected", zap.String("url", cfg.URL))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			feedmetrics.GatewayConnected.Set(1)
			logger.Info(context.Background(), "nats reconnected", zap.String("server", nc.ConnectedUrl()))
		}),
	}
	g := &NatsGateway{cfg: cfg, opts: append(base, opts...)}
	if err := g.dial(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *NatsGateway) dial() error {
	nc, err := nats.Connect(g.cfg.URL, g.opts...)
	if err != nil {
		feedmetrics.GatewayConnected.Set(0)
		return unreachable("connect", err)
	}
	g.mu.Lock()
	g.nc = nc
	g.mu.Unlock()
	feedmetrics.GatewayConnected.Set(1)
	return nil
}

func (g *NatsGateway) conn() *nats.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nc
}

func (g *NatsGateway) Forward(ctx context.Context, quotes []model.EnrichedQuote) error {
	nc := g.conn()
	if nc == nil || nc.IsClosed() {
		return unreachable("forward", ErrClosed)
	}
	if !nc.IsConnected() {
		// 断线期间 nats 会先缓冲，这里直接拒绝，交给 relay 不 ack
		return unreachable("forward", nats.ErrConnectionClosed)
	}
	// Publish 会把 payload 拷进连接的写缓冲，同一个 buffer 可以逐条复用
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	enc := json.NewEncoder(buf)
	for i := range quotes {
		buf.Reset()
		if err := enc.Encode(&quotes[i]); err != nil {
			return err
		}
		payload := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
		if err := nc.Publish(Subject(g.cfg.SubjectPrefix, quotes[i].Symbol), payload); err != nil {
			return unreachable("publish", err)
		}
	}
	if err := nc.FlushTimeout(g.cfg.FlushTimeout); err != nil {
		return unreachable("flush", err)
	}
	return nil
}

// Reconnect nats 自己会重连；连接被关掉了才重新拨号
func (g *NatsGateway) Reconnect(ctx context.Context) error {
	nc := g.conn()
	switch {
	case nc != nil && nc.IsConnected():
		return nil
	case nc == nil || nc.IsClosed():
		return g.dial()
	default:
		return unreachable("reconnect", nats.ErrConnectionClosed)
	}
}

func (g *NatsGateway) Close() error {
	nc := g.conn()
	if nc != nil {
		_ = nc.Drain()
		nc.Close()
	}
	feedmetrics.GatewayConnected.Set(0)
	return nil
}

// Subject 符号里的 . 和 : 会被 nats 当作层级分隔，统一换成 _
func Subject(prefix, symbol string) string {
	return prefix + "." + strings.NewReplacer(".", "_", ":", "_", " ", "_").Replace(symbol)
}
