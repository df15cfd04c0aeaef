package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 上游透传的 trace id 放在 ctx 的这个 key 下；没有时再看 otel span
const TraceIdKey = "trace_id"

// Log 全局 Logger，Init 之前是 Nop，测试里不初始化也能跑
var Log = zap.NewNop()

// Init 只输出到控制台
func Init(serviceName string, level string) {
	build(serviceName, level, "")
}

// InitWithFile 控制台 + 文件，logFile 为空时使用 logs/{serviceName}.log
func InitWithFile(serviceName string, level string, logFile string) {
	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	build(serviceName, level, logFile)
}

func build(serviceName, level, logFile string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if logFile != "" {
		// 目录或文件打不开就只打控制台，不影响启动
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
			if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)
	// 封装了一层，CallerSkip 1
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withTrace(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withTrace(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withTrace(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withTrace(ctx, fields)...)
}

// Fatal 会 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withTrace(ctx, fields)...)
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		return append(fields, zap.String("trace_id", traceID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	return fields
}

// Sync main 里 defer 调用
func Sync() {
	_ = Log.Sync()
}
