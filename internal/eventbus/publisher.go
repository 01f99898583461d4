// Package eventbus 事件发布
package eventbus

import (
	"context"
	"fmt"

	"tenant-events/internal/shared/model"
	"tenant-events/pkg/logging"
)

// Publisher 事件发布器
//
// 将信封追加到租户事件流并同时在广播频道发布。
// 追加或广播失败均向调用方传播，发布不做静默吞咽。
type Publisher struct {
	store   EventStore
	logger  *logging.Logger
	metrics *Metrics
}

// NewPublisher 创建发布器
func NewPublisher(store EventStore, logger *logging.Logger, metrics *Metrics) *Publisher {
	if logger == nil {
		logger = logging.Default("publisher")
	}
	return &Publisher{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// PublishTenantEvent 发布租户事件
//
// 信封由 payload 构建（entity/entityId/version 自动推导）。
// 返回构建的信封供上层继续处理。
func (p *Publisher) PublishTenantEvent(ctx context.Context, tenantID, eventType string, payload map[string]any) (*model.Envelope, error) {
	e := model.NewEnvelope(tenantID, eventType, payload)
	if err := p.Publish(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// PublishSystemEvent 发布系统事件（跨租户）
//
// 自动使用保留租户 ID，经相同的流 / 频道原语发布，
// 供跨租户的管理型消费者订阅。
func (p *Publisher) PublishSystemEvent(ctx context.Context, eventType string, payload map[string]any) (*model.Envelope, error) {
	e := model.NewEnvelope(model.SystemTenantID, eventType, payload)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata["system"] = true
	if err := p.Publish(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Publish 发布已构建的信封：流追加 + 频道广播
func (p *Publisher) Publish(ctx context.Context, e *model.Envelope) error {
	if _, err := p.store.AppendEvent(ctx, e); err != nil {
		p.logger.PublishLog(e.TenantID, e.Type, e.ID, err)
		return fmt.Errorf("failed to append event %s: %w", e.ID, err)
	}

	if err := p.store.Broadcast(ctx, e); err != nil {
		p.logger.PublishLog(e.TenantID, e.Type, e.ID, err)
		return fmt.Errorf("failed to broadcast event %s: %w", e.ID, err)
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(e.Type).Inc()
	}
	p.logger.PublishLog(e.TenantID, e.Type, e.ID, nil)
	return nil
}

// PublishBatchEvents 批量发布信封
//
// 流追加经 pipeline 合并提升吞吐；广播逐条进行。
func (p *Publisher) PublishBatchEvents(ctx context.Context, events []*model.Envelope) error {
	if len(events) == 0 {
		return nil
	}

	if _, err := p.store.AppendEvents(ctx, events); err != nil {
		return fmt.Errorf("failed to append event batch: %w", err)
	}

	for _, e := range events {
		if err := p.store.Broadcast(ctx, e); err != nil {
			return fmt.Errorf("failed to broadcast event %s: %w", e.ID, err)
		}
		if p.metrics != nil {
			p.metrics.EventsPublished.WithLabelValues(e.Type).Inc()
		}
	}

	p.logger.Info("Published event batch", "count", len(events))
	return nil
}
