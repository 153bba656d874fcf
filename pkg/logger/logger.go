package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey struct{}

// 全局 Logger 实例；未 Init 时是 Nop，测试里不会 panic
var Log = zap.NewNop()

// Options 日志配置
type Options struct {
	Service string
	Level   string // debug, info, warn, error
	// File 为空时写 logs/{Service}.log；设为 "-" 只输出到控制台
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init 初始化日志组件（控制台 + 滚动文件）
func Init(serviceName string, level string) {
	InitWithOptions(Options{Service: serviceName, Level: level})
}

func InitWithOptions(o Options) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(o.Level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if o.File != "-" {
		file := o.File
		if file == "" {
			file = filepath.Join("logs", o.Service+".log")
		}
		// 目录建不出来就只打控制台，不中断启动
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err == nil {
			writeSyncers = append(writeSyncers, zapcore.AddSync(&lumberjack.Logger{
				Filename:   file,
				MaxSize:    orDefault(o.MaxSizeMB, 100),
				MaxBackups: orDefault(o.MaxBackups, 5),
				MaxAge:     orDefault(o.MaxAgeDays, 7),
				Compress:   true,
			}))
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)
	// Skip 1：行号指向调用方而不是本文件
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(zap.String("service", o.Service))
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// With 把字段挂到 ctx 上，后续用这个 ctx 打的日志都会带上（比如 provider）
func With(ctx context.Context, fields ...zap.Field) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	prev, _ := ctx.Value(ctxKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withCtx(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withCtx(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withCtx(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withCtx(ctx, fields)...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withCtx(ctx, fields)...)
}

func withCtx(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	carried, ok := ctx.Value(ctxKey{}).([]zap.Field)
	if !ok || len(carried) == 0 {
		return fields
	}
	return append(carried[:len(carried):len(carried)], fields...)
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
