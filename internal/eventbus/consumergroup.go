// Package eventbus 消费者组管理
package eventbus

import (
	"context"
	"time"

	"tenant-events/internal/shared/model"
	redisstore "tenant-events/internal/shared/storage/redis"
	"tenant-events/pkg/logging"
)

// ConsumerGroupManager 租户事件流上的竞争消费者
//
// 同组内每个条目恰好投递给一个消费者；已读取但未确认的条目
// 留在 pending 列表，空闲超过门槛后可被任意消费者接管，
// 消费者崩溃不丢条目（至少一次投递）。
type ConsumerGroupManager struct {
	store        GroupStore
	group        string
	consumer     string
	readCount    int64
	blockTimeout time.Duration
	claimMinIdle time.Duration
	logger       *logging.Logger
	metrics      *Metrics
}

// ConsumerGroupOptions 消费者组配置
type ConsumerGroupOptions struct {
	Group        string
	Consumer     string
	ReadCount    int64
	BlockTimeout time.Duration
	ClaimMinIdle time.Duration
}

// NewConsumerGroupManager 创建消费者组管理器
func NewConsumerGroupManager(store GroupStore, opts ConsumerGroupOptions, logger *logging.Logger, metrics *Metrics) *ConsumerGroupManager {
	if opts.Group == "" {
		opts.Group = "eventbus-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer-1"
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = 10
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = time.Second
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = 60 * time.Second
	}
	if logger == nil {
		logger = logging.Default("consumergroup")
	}
	return &ConsumerGroupManager{
		store:        store,
		group:        opts.Group,
		consumer:     opts.Consumer,
		readCount:    opts.ReadCount,
		blockTimeout: opts.BlockTimeout,
		claimMinIdle: opts.ClaimMinIdle,
		logger:       logger,
		metrics:      metrics,
	}
}

// CreateConsumerGroup 在租户流上创建消费者组（幂等）
func (m *ConsumerGroupManager) CreateConsumerGroup(ctx context.Context, tenantID, startID string) error {
	return m.store.CreateConsumerGroup(ctx, redisstore.StreamKey(tenantID), m.group, startID)
}

// ReadEventsFromGroup 以本消费者身份批量拉取新事件
//
// 阻塞至多 blockTimeout，超时返回空批次。成功解析的条目在交给
// 调用方前立即确认；解析失败的条目记录日志后跳过，保持 pending
// 状态等待人工处置或接管。
func (m *ConsumerGroupManager) ReadEventsFromGroup(ctx context.Context, tenantID string) ([]*model.Envelope, error) {
	streamKey := redisstore.StreamKey(tenantID)

	msgs, err := m.store.ReadGroup(ctx, streamKey, m.group, m.consumer, m.readCount, m.blockTimeout)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.GroupReadsTotal.Inc()
	}

	events := make([]*model.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		e, err := redisstore.ParseStreamEntry(msg)
		if err != nil {
			m.logger.WithTenantID(tenantID).WithError(err).Warn("Skipping malformed group entry", "entry_id", msg.ID)
			continue
		}

		if err := m.store.AckMessage(ctx, streamKey, m.group, msg.ID); err != nil {
			// 确认失败不丢事件：条目留在 pending，之后可被接管重投
			m.logger.WithTenantID(tenantID).WithError(err).Warn("Failed to ack group entry", "entry_id", msg.ID)
		}
		events = append(events, e)
	}

	return events, nil
}

// AcknowledgeMessage 显式确认单个条目
func (m *ConsumerGroupManager) AcknowledgeMessage(ctx context.Context, tenantID, messageID string) error {
	return m.store.AckMessage(ctx, redisstore.StreamKey(tenantID), m.group, messageID)
}

// GetPendingMessages 列出未确认条目
func (m *ConsumerGroupManager) GetPendingMessages(ctx context.Context, tenantID string) ([]*model.PendingEntry, error) {
	return m.store.PendingMessages(ctx, redisstore.StreamKey(tenantID), m.group, 100)
}

// ClaimPendingMessages 接管空闲超过门槛的未确认条目
//
// 只接管 idle >= minIdleTime 的条目，避免抢占仍在处理中的条目；
// minIdleTime <= 0 时使用配置的默认门槛。
func (m *ConsumerGroupManager) ClaimPendingMessages(ctx context.Context, tenantID string, minIdleTime time.Duration) ([]*model.Envelope, error) {
	if minIdleTime <= 0 {
		minIdleTime = m.claimMinIdle
	}
	streamKey := redisstore.StreamKey(tenantID)

	pending, err := m.store.PendingMessages(ctx, streamKey, m.group, 100)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdleTime {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := m.store.ClaimMessages(ctx, streamKey, m.group, m.consumer, minIdleTime, ids)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil && len(msgs) > 0 {
		m.metrics.GroupClaimsTotal.Add(float64(len(msgs)))
	}

	events := make([]*model.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		e, err := redisstore.ParseStreamEntry(msg)
		if err != nil {
			m.logger.WithTenantID(tenantID).WithError(err).Warn("Skipping malformed claimed entry", "entry_id", msg.ID)
			continue
		}
		if err := m.store.AckMessage(ctx, streamKey, m.group, msg.ID); err != nil {
			m.logger.WithTenantID(tenantID).WithError(err).Warn("Failed to ack claimed entry", "entry_id", msg.ID)
		}
		events = append(events, e)
	}

	return events, nil
}

// DeleteConsumerGroup 销毁租户流上的消费者组
func (m *ConsumerGroupManager) DeleteConsumerGroup(ctx context.Context, tenantID string) error {
	return m.store.DestroyConsumerGroup(ctx, redisstore.StreamKey(tenantID), m.group)
}
