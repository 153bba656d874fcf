package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"quotefeed.com/internal/quotes/feedmetrics"
	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/logger"
)

type WSConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// WSGateway 一批报价编码成一个文本帧（每行一条 JSON）写给网关的 ingest 端点。
// 写成功即视为送达：网关按连接顺序处理，连接断了的那一批由 relay 重发。
type WSGateway struct {
	cfg WSConfig

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWS(ctx context.Context, cfg WSConfig) (*WSGateway, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	g := &WSGateway{cfg: cfg}
	if err := g.Reconnect(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *WSGateway) Reconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
	defer cancel()

	var opts *websocket.DialOptions
	if g.cfg.Token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": {"Bearer " + g.cfg.Token}}}
	}
	conn, _, err := websocket.Dial(dctx, g.cfg.URL, opts)
	if err != nil {
		feedmetrics.GatewayConnected.Set(0)
		return unreachable("dial", err)
	}
	g.conn = conn
	feedmetrics.GatewayConnected.Set(1)
	logger.Info(ctx, "gateway connected", zap.String("url", g.cfg.URL))

	// 不读业务数据，但要读才能处理 ping/close 控制帧
	go g.drain(conn)
	return nil
}

func (g *WSGateway) drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			g.drop(conn, err)
			return
		}
	}
}

// drop 只清掉仍是当前的那条连接
func (g *WSGateway) drop(conn *websocket.Conn, cause error) {
	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
		feedmetrics.GatewayConnected.Set(0)
	}
	g.mu.Unlock()
	_ = conn.CloseNow()
	if cause != nil && websocket.CloseStatus(cause) != websocket.StatusNormalClosure {
		logger.Warn(context.Background(), "gateway connection dropped", zap.Error(cause))
	}
}

func (g *WSGateway) Forward(ctx context.Context, quotes []model.EnrichedQuote) error {
	if len(quotes) == 0 {
		return nil
	}
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return unreachable("forward", ErrClosed)
	}
	wctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	return writeLines(quotes, func(frame []byte) error {
		if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
			g.drop(conn, err)
			return unreachable("write", err)
		}
		return nil
	})
}

func (g *WSGateway) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	feedmetrics.GatewayConnected.Set(0)
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "relay shutdown")
}
