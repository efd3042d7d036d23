// Package log 提供进程级的 zap SugaredLogger，以及带链路信息的上下文 logger。
package log

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"knowledge-ingest-go/internal/config"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFileName = "ingest.log"

// 未调用 Init 时为 no-op，测试与库代码可直接使用。
var sugar = zap.NewNop().Sugar()

// Init 按配置构建全局 logger。format 为 console 时输出彩色文本，其余输出 JSON。
// OutputPath 非空时日志同时写入该目录下的 ingest.log。
func Init(cfg config.LogConfig) error {
	logger, err := build(cfg)
	if err != nil {
		return err
	}
	sugar = logger.Sugar()
	return nil
}

func build(cfg config.LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stdout"}
	if cfg.OutputPath != "" {
		if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		zc.OutputPaths = append(zc.OutputPaths, filepath.Join(cfg.OutputPath, logFileName))
	}
	return zc.Build()
}

// Ctx 返回附带当前 span 的 trace_id 与 span_id 的 logger，ctx 中没有 span 时返回全局 logger。
func Ctx(ctx context.Context) *zap.SugaredLogger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return sugar
	}
	return sugar.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

func Debugf(template string, args ...interface{}) {
	sugar.Debugf(template, args...)
}

func Info(msg string) {
	sugar.Info(msg)
}

func Infof(template string, args ...interface{}) {
	sugar.Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	sugar.Warnf(template, args...)
}

// Error 记录错误并把 err 作为 error 字段输出。
func Error(msg string, err error) {
	sugar.Errorw(msg, "error", err)
}

func Errorf(template string, args ...interface{}) {
	sugar.Errorf(template, args...)
}

// Fatal 记录错误后退出进程。
func Fatal(msg string, err error) {
	sugar.Fatalw(msg, "error", err)
}

func Fatalf(template string, args ...interface{}) {
	sugar.Fatalf(template, args...)
}

// Sync 刷新缓冲的日志。
func Sync() {
	_ = sugar.Sync()
}
