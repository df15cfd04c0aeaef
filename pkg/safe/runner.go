package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
)

// Go 启动协程，panic 只记录不扩散
func Go(name string, fn func()) {
	go func() {
		defer recoverPanic(context.Background(), name)
		fn()
	}()
}

// GoCtx 带 ctx 启动，日志里保留链路信息
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx, name)
		fn(ctx)
	}()
}

func recoverPanic(ctx context.Context, name string) {
	if r := recover(); r != nil {
		metrics.GoroutinePanics.WithLabelValues(name).Inc()
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}
