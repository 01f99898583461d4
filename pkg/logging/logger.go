// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey       ContextKey = "trace_id"
	TenantIDKey      ContextKey = "tenant_id"
	CorrelationIDKey ContextKey = "correlation_id"
	ConsumerIDKey    ContextKey = "consumer_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{slog.String("component", l.component)}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok && tenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", tenantID))
	}
	if correlationID, ok := ctx.Value(CorrelationIDKey).(string); ok && correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if consumerID, ok := ctx.Value(ConsumerIDKey).(string); ok && consumerID != "" {
		attrs = append(attrs, slog.String("consumer_id", consumerID))
	}

	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithTenantID 添加租户 ID
func (l *Logger) WithTenantID(tenantID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("tenant_id", tenantID)),
		component: l.component,
	}
}

// WithEventID 添加事件 ID
func (l *Logger) WithEventID(eventID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("event_id", eventID)),
		component: l.component,
	}
}

// WithEventType 添加事件类型
func (l *Logger) WithEventType(eventType string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("event_type", eventType)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// PublishLog 发布日志
func (l *Logger) PublishLog(tenantID, eventType, eventID string, err error) {
	attrs := []any{
		slog.String("tenant_id", tenantID),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("Event publish failed", attrs...)
	} else {
		l.Logger.Debug("Event published", attrs...)
	}
}

// DispatchLog 处理器分发日志
func (l *Logger) DispatchLog(eventType, eventID string, handlers int, duration time.Duration, err error) {
	attrs := []any{
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.Int("handlers", handlers),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("Event dispatch failed", attrs...)
	} else {
		l.Logger.Debug("Event dispatched", attrs...)
	}
}

// HeartbeatLog 连接心跳日志
func (l *Logger) HeartbeatLog(connectionID string, latency time.Duration, err error) {
	attrs := []any{
		slog.String("connection_id", connectionID),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat failed", attrs...)
	} else {
		l.Logger.Debug("Heartbeat sent", attrs...)
	}
}
