package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"quotefeed.com/pkg/logger"
)

// Go 安全启动协程
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() }, nil)
}

// GoCtx 安全启动携带 context 的协程。
// fn panic 时记录堆栈，并把 panic 转成 error 交给 onPanic（可为 nil），进程不会被带崩。
func GoCtx(ctx context.Context, fn func(ctx context.Context), onPanic func(err error)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "goroutine panic recovered",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
				if onPanic != nil {
					onPanic(fmt.Errorf("panic: %v", r))
				}
			}
		}()

		fn(ctx)
	}()
}
