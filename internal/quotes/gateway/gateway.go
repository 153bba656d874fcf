// Package gateway 下游扇出网关的客户端。relay 只依赖 Gateway 接口：
// Forward 返回 nil 表示整批已被网关确认，才允许 ack 队列。
package gateway

import (
	"context"
	"errors"

	"github.com/segmentio/encoding/json"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/bufpool"
	"quotefeed.com/pkg/xerr"
)

type Gateway interface {
	Forward(ctx context.Context, quotes []model.EnrichedQuote) error
	// Reconnect 链路已经正常时直接返回 nil
	Reconnect(ctx context.Context) error
	Close() error
}

var ErrClosed = errors.New("gateway closed")

func unreachable(op string, err error) error {
	return xerr.New(xerr.GatewayUnreachable, op, "", errors.Join(xerr.ErrGatewayUnreachable, err))
}

// writeLines 一行一条 JSON 编码整批后交给 write。buffer 在 write 返回后回收，write 里不能留引用
func writeLines(quotes []model.EnrichedQuote, write func([]byte) error) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	enc := json.NewEncoder(buf)
	for i := range quotes {
		if err := enc.Encode(&quotes[i]); err != nil {
			return err
		}
	}
	return write(buf.Bytes())
}
