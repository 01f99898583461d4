// Package model 事件信封校验
//
// validator.go 实现发布前的信封校验。校验是纯函数（无 I/O），
// 校验失败的事件不会进入事件流。
package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// 校验结果
// ============================================================================

// ValidationResult 校验结果
//
// Errors 非空则事件被拒绝；Warnings 仅记录日志，不阻止发布。
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.IsValid = false
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ============================================================================
// 校验器
// ============================================================================

const (
	// DefaultMaxEventSize 序列化后事件大小上限（1 MiB）
	DefaultMaxEventSize = 1 << 20

	// maxPayloadDepth payload 嵌套深度上限
	maxPayloadDepth = 32
)

var (
	// 事件类型：domain.entity.action 三段式
	eventTypePattern = regexp.MustCompile(`^[a-z]+\.[a-z]+\.[a-z]+$`)

	// 租户 ID：小写字母、数字、连字符、下划线，1~64 字符
	tenantIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

	// 已弃用的事件类型前缀（上一代总线的命名空间）
	deprecatedTypePrefixes = []string{"workflow.", "node."}

	// 已知事件类型的必需 payload 字段
	requiredPayloadKeys = map[string][]string{
		EventTypeInventoryItemCreated:  {"id", "number", "description"},
		EventTypeInventoryItemUpdated:  {"id"},
		EventTypeEquipmentUnitCreated:  {"id", "serial"},
		EventTypeFinanceInvoiceCreated: {"id", "amount", "currency"},
		EventTypeFinanceInvoicePaid:    {"id", "amount"},
		EventTypeUserAccountCreated:    {"id", "email"},
	}
)

// Validator 事件信封校验器
type Validator struct {
	maxEventSize int
}

// NewValidator 创建校验器
//
// maxEventSize <= 0 时使用 DefaultMaxEventSize。
func NewValidator(maxEventSize int) *Validator {
	if maxEventSize <= 0 {
		maxEventSize = DefaultMaxEventSize
	}
	return &Validator{maxEventSize: maxEventSize}
}

// Validate 校验事件信封
//
// 按固定顺序执行检查：必需字段 → ID 格式 → 租户 ID → 时间戳 →
// 版本号 → 事件类型 → 序列化大小 → payload 结构 → 租户作用域。
func (v *Validator) Validate(e *Envelope) *ValidationResult {
	result := &ValidationResult{IsValid: true}

	if e == nil {
		result.addError("envelope is nil")
		return result
	}

	// 必需字段
	if e.ID == "" {
		result.addError("missing required field: id")
	}
	if e.TenantID == "" {
		result.addError("missing required field: tenantId")
	}
	if e.Type == "" {
		result.addError("missing required field: type")
	}
	if e.Timestamp.IsZero() {
		result.addError("missing required field: timestamp")
	}

	// ID 格式：26 字符 ULID
	if e.ID != "" {
		if _, err := ulid.ParseStrict(e.ID); err != nil {
			result.addError("invalid event id %q: not a ULID", e.ID)
		}
	}

	// 租户 ID 字符集 / 长度
	if e.TenantID != "" && !tenantIDPattern.MatchString(e.TenantID) {
		result.addError("invalid tenant id %q: must match %s", e.TenantID, tenantIDPattern.String())
	}

	// 时间戳必须能经 RFC3339 往返不失真
	if !e.Timestamp.IsZero() {
		formatted := e.Timestamp.Format(time.RFC3339Nano)
		parsed, err := time.Parse(time.RFC3339Nano, formatted)
		if err != nil || !parsed.Equal(e.Timestamp) {
			result.addError("timestamp does not round-trip through RFC3339: %v", e.Timestamp)
		}
	}

	// 版本号为正整数
	if e.Version <= 0 {
		result.addError("version must be a positive integer, got %d", e.Version)
	}

	// 事件类型模式
	if e.Type != "" {
		if !eventTypePattern.MatchString(e.Type) {
			result.addError("invalid event type %q: must match domain.entity.action", e.Type)
		}
		for _, prefix := range deprecatedTypePrefixes {
			if strings.HasPrefix(e.Type, prefix) {
				result.addWarning("event type prefix %q is deprecated", prefix)
			}
		}
	}

	// payload 结构：无环、不含不可序列化值、深度受限
	if err := checkPayloadStructure(e.Payload); err != nil {
		result.addError("invalid payload: %v", err)
	} else {
		// 序列化大小（结构合法时才有意义）
		data, err := json.Marshal(e)
		if err != nil {
			result.addError("envelope is not serializable: %v", err)
		} else {
			size := len(data)
			if size > v.maxEventSize {
				result.addError("event size %d exceeds limit %d", size, v.maxEventSize)
			} else if size > v.maxEventSize*8/10 {
				result.addWarning("event size %d exceeds 80%% of limit %d", size, v.maxEventSize)
			}
		}

		// 已知类型的必需 payload 字段
		if keys, ok := requiredPayloadKeys[e.Type]; ok {
			for _, key := range keys {
				if _, present := e.Payload[key]; !present {
					result.addError("payload missing required key %q for type %s", key, e.Type)
				}
			}
		}
	}

	// 租户作用域：system.* 事件必须且只能使用保留租户 ID
	if e.Type != "" && e.TenantID != "" {
		if e.IsSystemEvent() && e.TenantID != SystemTenantID {
			result.addError("system event must use the reserved tenant id %q", SystemTenantID)
		}
		if !e.IsSystemEvent() && e.TenantID == SystemTenantID {
			result.addError("tenant id %q is reserved for system events", SystemTenantID)
		}
	}

	return result
}

// checkPayloadStructure 检查 payload 无环、无不可序列化值、深度受限
func checkPayloadStructure(payload map[string]any) error {
	if payload == nil {
		return nil
	}
	visited := map[uintptr]bool{}
	return walkPayload(reflect.ValueOf(payload), visited, 0)
}

func walkPayload(v reflect.Value, visited map[uintptr]bool, depth int) error {
	if depth > maxPayloadDepth {
		return fmt.Errorf("nesting exceeds max depth %d", maxPayloadDepth)
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return walkPayload(v.Elem(), visited, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return fmt.Errorf("payload contains a cycle")
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		for _, key := range v.MapKeys() {
			if err := walkPayload(v.MapIndex(key), visited, depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return fmt.Errorf("payload contains a cycle")
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		for i := 0; i < v.Len(); i++ {
			if err := walkPayload(v.Index(i), visited, depth+1); err != nil {
				return err
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := walkPayload(v.Index(i), visited, depth+1); err != nil {
				return err
			}
		}
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Errorf("payload contains non-serializable value of kind %s", v.Kind())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := walkPayload(v.Field(i), visited, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}
