// Package model 事件信封校验测试
package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	return NewEnvelope("t1", EventTypeInventoryItemCreated, map[string]any{
		"id":          "i1",
		"number":      "SKU-1",
		"description": "Widget",
	})
}

// TestValidate_ValidEnvelope 合法信封通过校验
func TestValidate_ValidEnvelope(t *testing.T) {
	v := NewValidator(0)

	result := v.Validate(validEnvelope())

	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
}

// TestValidate_MissingRequiredFields 缺失必需字段逐一报错并指名字段
func TestValidate_MissingRequiredFields(t *testing.T) {
	v := NewValidator(0)

	tests := []struct {
		name   string
		mutate func(e *Envelope)
		want   string
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }, "id"},
		{"missing tenantId", func(e *Envelope) { e.TenantID = "" }, "tenantId"},
		{"missing type", func(e *Envelope) { e.Type = "" }, "type"},
		{"missing timestamp", func(e *Envelope) { e.Timestamp = time.Time{} }, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEnvelope()
			tt.mutate(e)

			result := v.Validate(e)

			require.False(t, result.IsValid)
			found := false
			for _, msg := range result.Errors {
				if strings.Contains(msg, tt.want) {
					found = true
				}
			}
			assert.True(t, found, "expected an error naming %q, got %v", tt.want, result.Errors)
		})
	}
}

// TestValidate_InvalidID 非 ULID 的事件 ID 被拒绝
func TestValidate_InvalidID(t *testing.T) {
	v := NewValidator(0)
	e := validEnvelope()
	e.ID = "not-a-ulid"

	result := v.Validate(e)

	assert.False(t, result.IsValid)
}

// TestValidate_TenantIDCharset 租户 ID 字符集受限
func TestValidate_TenantIDCharset(t *testing.T) {
	v := NewValidator(0)

	e := validEnvelope()
	e.TenantID = "Tenant With Spaces!"
	assert.False(t, v.Validate(e).IsValid)

	e2 := validEnvelope()
	e2.TenantID = "acme-corp_01"
	assert.True(t, v.Validate(e2).IsValid)
}

// TestValidate_Version 版本号必须为正整数
func TestValidate_Version(t *testing.T) {
	v := NewValidator(0)
	e := validEnvelope()
	e.Version = 0

	result := v.Validate(e)

	assert.False(t, result.IsValid)
}

// TestValidate_EventTypePattern 事件类型必须匹配 domain.entity.action
func TestValidate_EventTypePattern(t *testing.T) {
	v := NewValidator(0)

	bad := []string{"created", "inventory.created", "Inventory.Item.Created", "inventory.item.created.extra", "a.b.1"}
	for _, typ := range bad {
		e := validEnvelope()
		e.Type = typ
		assert.False(t, v.Validate(e).IsValid, "type %q should be rejected", typ)
	}
}

// TestValidate_DeprecatedPrefixWarns 已弃用前缀只警告不拒绝
func TestValidate_DeprecatedPrefixWarns(t *testing.T) {
	v := NewValidator(0)
	e := NewEnvelope("t1", "workflow.run.started", map[string]any{"id": "r1"})

	result := v.Validate(e)

	assert.True(t, result.IsValid)
	assert.NotEmpty(t, result.Warnings)
}

// TestValidate_SizeThresholds 大小超 80% 警告，超 100% 拒绝
func TestValidate_SizeThresholds(t *testing.T) {
	// 上限压到 1 KiB 便于构造
	v := NewValidator(1024)

	warn := validEnvelope()
	warn.Payload["blob"] = strings.Repeat("x", 700)
	result := v.Validate(warn)
	assert.True(t, result.IsValid)
	assert.NotEmpty(t, result.Warnings)

	reject := validEnvelope()
	reject.Payload["blob"] = strings.Repeat("x", 2048)
	result = v.Validate(reject)
	assert.False(t, result.IsValid)
}

// TestValidate_PayloadCycle payload 含环被拒绝
func TestValidate_PayloadCycle(t *testing.T) {
	v := NewValidator(0)
	e := validEnvelope()

	inner := map[string]any{}
	inner["self"] = inner
	e.Payload["loop"] = inner

	result := v.Validate(e)

	assert.False(t, result.IsValid)
}

// TestValidate_PayloadFunc payload 含函数值被拒绝
func TestValidate_PayloadFunc(t *testing.T) {
	v := NewValidator(0)
	e := validEnvelope()
	e.Payload["cb"] = func() {}

	result := v.Validate(e)

	assert.False(t, result.IsValid)
}

// TestValidate_RequiredPayloadKeys 已知类型缺失必需 payload 字段被拒绝
func TestValidate_RequiredPayloadKeys(t *testing.T) {
	v := NewValidator(0)
	e := NewEnvelope("t1", EventTypeInventoryItemCreated, map[string]any{"id": "i1"})

	result := v.Validate(e)

	require.False(t, result.IsValid)
	joined := strings.Join(result.Errors, "; ")
	assert.Contains(t, joined, "number")
	assert.Contains(t, joined, "description")
}

// TestValidate_SystemTenantScoping 系统事件与保留租户 ID 互相绑定
func TestValidate_SystemTenantScoping(t *testing.T) {
	v := NewValidator(0)

	// system.* 事件使用业务租户 ID 被拒绝
	wrongTenant := NewEnvelope("t1", EventTypeSystemMaintenanceStarted, map[string]any{"reason": "upgrade"})
	assert.False(t, v.Validate(wrongTenant).IsValid)

	// 业务事件使用保留租户 ID 被拒绝
	reserved := NewEnvelope(SystemTenantID, EventTypeInventoryItemCreated, map[string]any{
		"id": "i1", "number": "SKU-1", "description": "Widget",
	})
	assert.False(t, v.Validate(reserved).IsValid)

	// 系统事件使用保留租户 ID 通过
	ok := NewEnvelope(SystemTenantID, EventTypeSystemMaintenanceStarted, map[string]any{"reason": "upgrade"})
	assert.True(t, v.Validate(ok).IsValid)
}
