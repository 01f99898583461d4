// Package logging 日志器测试
package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNew_LevelParsing 非法等级回退到 info
func TestNew_LevelParsing(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		logger := New(Config{Level: level, Component: "test"})
		assert.NotNil(t, logger)
	}
}

// TestWithError_NilNoOp nil 错误不产生新日志器
func TestWithError_NilNoOp(t *testing.T) {
	logger := Default("test")
	assert.Same(t, logger, logger.WithError(nil))
}

// TestWithContext 上下文字段提取不 panic 且返回独立实例
func TestWithContext(t *testing.T) {
	logger := Default("test")

	ctx := context.WithValue(context.Background(), TenantIDKey, "t1")
	ctx = context.WithValue(ctx, TraceIDKey, "trace-1")

	derived := logger.WithContext(ctx)
	assert.NotSame(t, logger, derived)

	// 空上下文同样安全
	assert.NotNil(t, logger.WithContext(context.Background()))
}
