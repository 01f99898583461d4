// Package model 定义事件总线核心数据模型
//
// event.go 包含事件相关的数据模型定义：
//   - Envelope：事件信封（总线流转的基本单元）
//   - DeadLetterEntry：死信条目
//   - BackfillRequest / BackfillResult：历史事件回放
//   - BatchResult：批量处理结果
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// 租户常量
// ============================================================================

const (
	// SystemTenantID 系统事件保留租户 ID
	//
	// system.* 类型的跨租户事件必须使用该租户 ID，
	// 业务事件禁止使用（Validate 强制检查）。
	SystemTenantID = "system"
)

// ============================================================================
// 事件类型
// ============================================================================

// 事件类型采用 domain.entity.action 三段式命名，
// 例如 inventory.item.created、finance.invoice.paid。
const (
	// === 库存事件 ===

	EventTypeInventoryItemCreated = "inventory.item.created"
	EventTypeInventoryItemUpdated = "inventory.item.updated"
	EventTypeInventoryItemDeleted = "inventory.item.deleted"

	// === 设备事件 ===

	EventTypeEquipmentUnitCreated = "equipment.unit.created"
	EventTypeEquipmentUnitUpdated = "equipment.unit.updated"

	// === 财务事件 ===

	EventTypeFinanceInvoiceCreated = "finance.invoice.created"
	EventTypeFinanceInvoicePaid    = "finance.invoice.paid"

	// === 用户事件 ===

	EventTypeUserAccountCreated = "user.account.created"
	EventTypeUserAccountUpdated = "user.account.updated"

	// === 系统事件（跨租户） ===

	EventTypeSystemMaintenanceStarted = "system.maintenance.started"
	EventTypeSystemMaintenanceEnded   = "system.maintenance.ended"

	// === 连接生命周期事件（免去重） ===

	EventTypeSystemHeartbeatPing    = "system.heartbeat.ping"
	EventTypeSystemConnectionOpened = "system.connection.opened"
	EventTypeSystemConnectionClosed = "system.connection.closed"
)

// Envelope 事件信封
//
// 总线中流转的统一事件格式。ID 为 ULID（26 字符、按时间可排序），
// 创建后不可变；TenantID 是所有流 / 频道 / 去重 Key 的分区键。
type Envelope struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	Type          string         `json:"type"`
	Entity        string         `json:"entity"`
	EntityID      string         `json:"entityId"`
	Version       int64          `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IsSystemEvent 判断是否为系统事件（跨租户）
func (e *Envelope) IsSystemEvent() bool {
	return strings.HasPrefix(e.Type, "system.")
}

// NewEnvelope 创建事件信封
//
// entity / entityID / version 从 payload 推导：
//   - entity 取事件类型第二段
//   - entityID 取 payload 的 id 或 entityId 字段，缺省 "unknown"
//   - version 取 payload 的 version 字段，缺省 1
func NewEnvelope(tenantID, eventType string, payload map[string]any) *Envelope {
	entity := ""
	if parts := strings.Split(eventType, "."); len(parts) >= 2 {
		entity = parts[1]
	}

	entityID := "unknown"
	if v, ok := payload["id"].(string); ok && v != "" {
		entityID = v
	} else if v, ok := payload["entityId"].(string); ok && v != "" {
		entityID = v
	}

	version := int64(1)
	switch v := payload["version"].(type) {
	case int:
		version = int64(v)
	case int64:
		version = v
	case float64:
		version = int64(v)
	}
	if version <= 0 {
		version = 1
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		TenantID:      tenantID,
		Type:          eventType,
		Entity:        entity,
		EntityID:      entityID,
		Version:       version,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		Metadata:      map[string]any{},
	}
}

// ============================================================================
// 死信
// ============================================================================

// DeadLetterEntry 死信条目
//
// 处理器重试耗尽后追加到 dlq:{tenantId}，只追加不修改，
// 由带外补偿流程消费。
type DeadLetterEntry struct {
	ID         string    `json:"id"`
	Event      *Envelope `json:"event"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	Timestamp  time.Time `json:"timestamp"`
	TenantID   string    `json:"tenantId"`
}

// ============================================================================
// 回放
// ============================================================================

// BackfillRequest 历史事件回放请求
type BackfillRequest struct {
	TenantID      string     `json:"tenantId"`
	FromTimestamp time.Time  `json:"fromTimestamp"`
	ToTimestamp   *time.Time `json:"toTimestamp,omitempty"`
	EventTypes    []string   `json:"eventTypes,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// BackfillResult 历史事件回放结果
type BackfillResult struct {
	Events     []*Envelope `json:"events"`
	HasMore    bool        `json:"hasMore"`
	NextCursor string      `json:"nextCursor,omitempty"`
	TotalCount int         `json:"totalCount"`
}

// StreamStats 租户事件流统计（可观测性）
type StreamStats struct {
	Length       int64  `json:"length"`
	FirstEntryID string `json:"firstEntryId"`
	LastEntryID  string `json:"lastEntryId"`
	GroupCount   int64  `json:"groupCount"`
}

// ============================================================================
// 消费者组
// ============================================================================

// PendingEntry 消费者组中未确认的条目
type PendingEntry struct {
	ID            string        `json:"id"`
	Consumer      string        `json:"consumer"`
	Idle          time.Duration `json:"idle"`
	DeliveryCount int64         `json:"deliveryCount"`
}

// ============================================================================
// 批量处理
// ============================================================================

// BatchFailure 批量处理中单个事件的失败信息
type BatchFailure struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Error   string `json:"error"`
}

// BatchResult 批量处理结果
//
// 采用 settle-all 语义：部分失败不中断整批，
// Failures 携带逐事件失败明细供调用方选择性重投。
// Succeeded + Failed + Suppressed 等于提交的批大小，
// Suppressed 计入被去重窗口拦截的重复事件。
type BatchResult struct {
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Suppressed int            `json:"suppressed"`
	Failures   []BatchFailure `json:"failures,omitempty"`
}
