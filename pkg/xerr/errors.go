package xerr

import (
	"errors"
	"fmt"
)

// Kind 错误分类，决定上游是退避重试还是立即上报
type Kind uint8

const (
	Transient          Kind = iota + 1 // 超时、连接重置、上游 5xx/429
	NonRetryable                       // 鉴权失败、永久不支持的 symbol
	QueueUnavailable                   // 队列存储不可达
	GatewayUnreachable                 // 下游网关不可达
	Config                             // 启动期配置错误
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case NonRetryable:
		return "non_retryable"
	case QueueUnavailable:
		return "queue_unavailable"
	case GatewayUnreachable:
		return "gateway_unreachable"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

var (
	ErrConnectionLost     = errors.New("upstream connection lost")
	ErrUnsupportedSymbol  = errors.New("symbol not supported by provider")
	ErrAuthRejected       = errors.New("upstream rejected credentials")
	ErrNotConnected       = errors.New("adapter not connected")
	ErrQueueUnavailable   = errors.New("quote queue unavailable")
	ErrGatewayUnreachable = errors.New("gateway unreachable")
)

// Error 带分类的错误。Op 是出错的操作（connect/subscribe/poll/append...），Provider 可为空。
type Error struct {
	Kind     Kind
	Op       string
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Provider, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, provider string, err error) error {
	return &Error{Kind: kind, Op: op, Provider: provider, Err: err}
}

func Transientf(op, provider string, format string, args ...any) error {
	return New(Transient, op, provider, fmt.Errorf(format, args...))
}

func Permanentf(op, provider string, format string, args ...any) error {
	return New(NonRetryable, op, provider, fmt.Errorf(format, args...))
}

// KindOf 返回错误链上第一个分类；未分类的错误按 Transient 处理（更保守，允许重试）。
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrUnsupportedSymbol), errors.Is(err, ErrAuthRejected):
		return NonRetryable
	case errors.Is(err, ErrQueueUnavailable):
		return QueueUnavailable
	case errors.Is(err, ErrGatewayUnreachable):
		return GatewayUnreachable
	}
	return Transient
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case NonRetryable, Config:
		return false
	}
	return true
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
