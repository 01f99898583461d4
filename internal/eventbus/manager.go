// Package eventbus 事件总线编排器
package eventbus

import (
	"context"
	"fmt"
	"time"

	"tenant-events/internal/shared/model"
	"tenant-events/pkg/logging"
)

// ManagerConfig 编排器配置
type ManagerConfig struct {
	MaxEventSize        int
	DedupWindow         time.Duration
	DedupSweepInterval  time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
	ConsumerGroup       string
	ConsumerName        string
	ReadCount           int64
	ReadBlockTimeout    time.Duration
	ClaimMinIdle        time.Duration
	BackfillMaxLimit    int
	MaxConnections      int
	HeartbeatInterval   time.Duration
	InactivityThreshold time.Duration
}

// Statistics 总线运行统计（面向看板 / 探针）
type Statistics struct {
	HandlerTypes      int            `json:"handlerTypes"`
	HandlerCount      int            `json:"handlerCount"`
	Processor         ProcessorStats `json:"processor"`
	ActiveConnections int            `json:"activeConnections"`
	DedupKeys         int64          `json:"dedupKeys"`
}

// HealthReport 健康检查结果
type HealthReport struct {
	Status    HealthStatus    `json:"status"`
	StoreOK   bool            `json:"storeOk"`
	Cluster   *ClusterHealth  `json:"cluster,omitempty"`
	Sentinel  *SentinelHealth `json:"sentinel,omitempty"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// Manager 事件总线编排器
//
// 把各组件串成一条生命周期：校验 → 去重 → 发布（流追加 + 广播）
// → 处理器分发 → 实时推送。发布路径的存储故障同步上抛给业务方；
// 处理路径的失败进入死信列表，不回传给发布方。
type Manager struct {
	validator *model.Validator
	dedup     *DedupService
	publisher *Publisher
	registry  *HandlerRegistry
	processor *Processor
	groups    *ConsumerGroupManager
	backfill  *BackfillService
	fanout    *FanoutService

	store   Store
	logger  *logging.Logger
	metrics *Metrics

	clusterMonitor  *ClusterHealthManager
	sentinelMonitor *SentinelHealthManager

	sweepInterval time.Duration
}

// NewManager 创建编排器并装配全部子服务
func NewManager(store Store, cfg ManagerConfig, logger *logging.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = logging.Default("eventbus")
	}

	registry := NewHandlerRegistry()

	return &Manager{
		validator: model.NewValidator(cfg.MaxEventSize),
		dedup:     NewDedupService(store, cfg.DedupWindow, logger),
		publisher: NewPublisher(store, logger, metrics),
		registry:  registry,
		processor: NewProcessor(registry, store, logger, metrics, cfg.MaxRetries, cfg.RetryBaseDelay),
		groups: NewConsumerGroupManager(store, ConsumerGroupOptions{
			Group:        cfg.ConsumerGroup,
			Consumer:     cfg.ConsumerName,
			ReadCount:    cfg.ReadCount,
			BlockTimeout: cfg.ReadBlockTimeout,
			ClaimMinIdle: cfg.ClaimMinIdle,
		}, logger, metrics),
		backfill:      NewBackfillService(store, cfg.BackfillMaxLimit, logger),
		fanout:        NewFanoutService(FanoutOptions{
			MaxConnections:      cfg.MaxConnections,
			HeartbeatInterval:   cfg.HeartbeatInterval,
			InactivityThreshold: cfg.InactivityThreshold,
		}, logger, metrics),
		store:         store,
		logger:        logger,
		metrics:       metrics,
		sweepInterval: cfg.DedupSweepInterval,
	}
}

// Start 启动后台子任务（去重兜底清扫），ctx 取消时停止推送服务
func (m *Manager) Start(ctx context.Context) {
	m.dedup.StartSweeper(ctx, m.sweepInterval)
	go func() {
		<-ctx.Done()
		m.fanout.Stop()
	}()
}

// AttachClusterMonitor 挂载集群健康监控（可选）
func (m *Manager) AttachClusterMonitor(cm *ClusterHealthManager) {
	m.clusterMonitor = cm
}

// AttachSentinelMonitor 挂载哨兵健康监控（可选）
func (m *Manager) AttachSentinelMonitor(sm *SentinelHealthManager) {
	m.sentinelMonitor = sm
}

// ============================================================================
// 发布入口
// ============================================================================

// PublishTenantEvent 发布租户事件并走完整生命周期
//
// 返回 nil 信封且无错误表示事件在去重窗口内被压制。
// 校验失败与存储故障同步上抛；处理器失败进入死信，不上抛。
func (m *Manager) PublishTenantEvent(ctx context.Context, tenantID, eventType string, payload map[string]any) (*model.Envelope, error) {
	e := model.NewEnvelope(tenantID, eventType, payload)
	return m.publish(ctx, e)
}

// PublishSystemEvent 发布系统事件（自动使用保留租户 ID）
func (m *Manager) PublishSystemEvent(ctx context.Context, eventType string, payload map[string]any) (*model.Envelope, error) {
	e := model.NewEnvelope(model.SystemTenantID, eventType, payload)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata["system"] = true
	return m.publish(ctx, e)
}

// publish 单事件生命周期：校验 → 去重 → 发布 → 处理 → 推送
func (m *Manager) publish(ctx context.Context, e *model.Envelope) (*model.Envelope, error) {
	result := m.validator.Validate(e)
	for _, w := range result.Warnings {
		m.logger.WithEventID(e.ID).Warn("Event validation warning", "warning", w)
	}
	if !result.IsValid {
		if m.metrics != nil {
			m.metrics.EventsRejected.Inc()
		}
		return nil, fmt.Errorf("event validation failed: %v", result.Errors)
	}

	if !m.dedup.CheckAndMarkAsProcessed(ctx, e) {
		if m.metrics != nil {
			m.metrics.EventsDeduplicated.WithLabelValues(e.Type).Inc()
		}
		m.logger.WithTenantID(e.TenantID).WithEventID(e.ID).Warn("Duplicate event blocked", "event_type", e.Type)
		return nil, nil
	}

	if err := m.publisher.Publish(ctx, e); err != nil {
		return nil, err
	}

	// 消费路径的失败不回传给发布方（死信已记录）
	if err := m.processor.ProcessEvent(ctx, e); err != nil {
		m.logger.WithEventID(e.ID).WithError(err).Error("Event processing failed after publish")
	}

	m.fanout.BroadcastEvent(e)
	return e, nil
}

// PublishBatchEvents 批量发布
//
// 校验失败或重复的成员被剔除；幸存事件经 pipeline 追加后
// 并发处理（settle-all），再逐个推送给实时连接。
func (m *Manager) PublishBatchEvents(ctx context.Context, events []*model.Envelope) (*model.BatchResult, error) {
	var accepted []*model.Envelope
	result := &model.BatchResult{}

	for _, e := range events {
		vr := m.validator.Validate(e)
		if !vr.IsValid {
			if m.metrics != nil {
				m.metrics.EventsRejected.Inc()
			}
			result.Failed++
			result.Failures = append(result.Failures, model.BatchFailure{
				EventID: e.ID,
				Type:    e.Type,
				Error:   fmt.Sprintf("validation failed: %v", vr.Errors),
			})
			continue
		}
		if !m.dedup.CheckAndMarkAsProcessed(ctx, e) {
			if m.metrics != nil {
				m.metrics.EventsDeduplicated.WithLabelValues(e.Type).Inc()
			}
			m.logger.WithTenantID(e.TenantID).WithEventID(e.ID).Warn("Duplicate event blocked", "event_type", e.Type)
			result.Suppressed++
			continue
		}
		accepted = append(accepted, e)
	}

	if len(accepted) == 0 {
		return result, nil
	}

	if err := m.publisher.PublishBatchEvents(ctx, accepted); err != nil {
		return result, err
	}

	processed := m.processor.ProcessBatchEvents(ctx, accepted)
	result.Succeeded += processed.Succeeded
	result.Failed += processed.Failed
	result.Failures = append(result.Failures, processed.Failures...)

	for _, e := range accepted {
		m.fanout.BroadcastEvent(e)
	}
	return result, nil
}

// ============================================================================
// 消费入口
// ============================================================================

// RegisterHandler 注册事件处理器
//
// maxRetries < 0 使用处理器全局默认值。
func (m *Manager) RegisterHandler(eventType, name string, fn HandlerFunc, maxRetries int) {
	m.registry.Register(eventType, &Handler{Name: name, Handle: fn, MaxRetries: maxRetries})
	m.logger.Info("Handler registered", "event_type", eventType, "handler", name)
}

// UnregisterHandler 注销某事件类型的全部处理器
func (m *Manager) UnregisterHandler(eventType string) {
	m.registry.Unregister(eventType)
	m.logger.Info("Handlers unregistered", "event_type", eventType)
}

// ProcessEvent 直接分发事件（供消费者组读取循环调用）
func (m *Manager) ProcessEvent(ctx context.Context, e *model.Envelope) error {
	return m.processor.ProcessEvent(ctx, e)
}

// ConsumerGroups 消费者组管理器
func (m *Manager) ConsumerGroups() *ConsumerGroupManager {
	return m.groups
}

// ============================================================================
// 回放与实时推送入口
// ============================================================================

// BackfillEvents 回放历史事件
func (m *Manager) BackfillEvents(ctx context.Context, req *model.BackfillRequest) (*model.BackfillResult, error) {
	return m.backfill.BackfillEvents(ctx, req)
}

// Backfill 回放服务（游标 / 流统计）
func (m *Manager) Backfill() *BackfillService {
	return m.backfill
}

// CreateSSEConnection 注册实时连接
func (m *Manager) CreateSSEConnection(connectionID, tenantID string, transport Transport, userID string) error {
	return m.fanout.CreateConnection(connectionID, tenantID, transport, userID)
}

// CloseSSEConnection 关闭实时连接
func (m *Manager) CloseSSEConnection(connectionID string) error {
	return m.fanout.CloseConnection(connectionID)
}

// Fanout 实时推送服务
func (m *Manager) Fanout() *FanoutService {
	return m.fanout
}

// ============================================================================
// 运维入口
// ============================================================================

// GetStatistics 汇总运行统计
func (m *Manager) GetStatistics(ctx context.Context) *Statistics {
	stats := &Statistics{
		HandlerTypes:      m.registry.TypeCount(),
		HandlerCount:      m.registry.HandlerCount(),
		Processor:         m.processor.Stats(),
		ActiveConnections: m.fanout.ConnectionCount(),
	}

	// 去重统计失败只降级，不影响其余字段
	if keys, err := m.dedup.Stats(ctx); err == nil {
		stats.DedupKeys = keys
	} else {
		m.logger.WithError(err).Warn("Failed to collect dedup stats")
	}

	return stats
}

// HealthCheck 健康检查
//
// 存储不可达为 unhealthy；可选监控报告降级仅影响总体分级，
// 不产生错误返回。
func (m *Manager) HealthCheck(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: HealthHealthy, CheckedAt: time.Now()}

	if err := m.store.Ping(ctx); err != nil {
		m.logger.WithError(err).Error("Store health probe failed")
		report.Status = HealthUnhealthy
		return report
	}
	report.StoreOK = true

	if m.clusterMonitor != nil {
		health, err := m.clusterMonitor.CheckHealth(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Cluster health probe failed")
		}
		report.Cluster = health
		if health.Status != HealthHealthy && report.Status == HealthHealthy {
			report.Status = HealthDegraded
		}
	}

	if m.sentinelMonitor != nil {
		health, err := m.sentinelMonitor.CheckHealth(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Sentinel health probe failed")
		}
		report.Sentinel = health
		if health.Status != HealthHealthy && report.Status == HealthHealthy {
			report.Status = HealthDegraded
		}
	}

	return report
}
