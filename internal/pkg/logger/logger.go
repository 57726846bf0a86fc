// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Config 日志配置
type Config struct {
	Level   string `yaml:"level"`
	Pretty  bool   `yaml:"pretty"`
	Service string `yaml:"-"`
}

// Init 初始化全局 zerolog 实例，所有组件通过 Ctx(ctx) 获取带链路信息的 logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	}

	ctxLogger := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctxLogger = ctxLogger.Str("service", cfg.Service)
	}
	l := ctxLogger.Logger()
	log.Logger = l
	zerolog.DefaultContextLogger = &l
}

// Ctx 返回注入了 trace_id / span_id 的 logger。
// ctx 中没有有效 Span 时退化为全局 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	enriched := l.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
	return &enriched
}

// With 把 logger 挂到 ctx 上，后续 Ctx(ctx) 会带上这些字段
func With(ctx context.Context, fields map[string]string) context.Context {
	lc := zerolog.Ctx(ctx).With()
	for k, v := range fields {
		lc = lc.Str(k, v)
	}
	l := lc.Logger()
	return l.WithContext(ctx)
}
