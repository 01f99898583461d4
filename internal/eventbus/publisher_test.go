// Package eventbus 事件发布测试
package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-events/internal/shared/model"
)

// TestPublisher_AppendAndBroadcast 发布同时追加到流并广播
func TestPublisher_AppendAndBroadcast(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store, nil, nil)
	ctx := context.Background()

	e, err := p.PublishTenantEvent(ctx, "t1", model.EventTypeInventoryItemCreated, map[string]any{
		"id": "i1", "number": "SKU-1", "description": "Widget",
	})

	require.NoError(t, err)
	require.NotNil(t, e)

	stats, err := store.GetStreamStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Length)

	require.Len(t, store.Broadcasts, 1)
	assert.Equal(t, e.ID, store.Broadcasts[0].ID)
}

// TestPublisher_SystemEventMetadata 系统事件带保留租户 ID 与 system 标记
func TestPublisher_SystemEventMetadata(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store, nil, nil)

	e, err := p.PublishSystemEvent(context.Background(), model.EventTypeSystemMaintenanceStarted, map[string]any{"reason": "upgrade"})

	require.NoError(t, err)
	assert.Equal(t, model.SystemTenantID, e.TenantID)
	assert.Equal(t, true, e.Metadata["system"])
}

// TestPublisher_AppendFailurePropagates 流追加失败同步上抛且不广播
func TestPublisher_AppendFailurePropagates(t *testing.T) {
	store := NewMemoryStore()
	store.AppendErr = errors.New("stream full")
	p := NewPublisher(store, nil, nil)

	_, err := p.PublishTenantEvent(context.Background(), "t1", model.EventTypeInventoryItemUpdated, map[string]any{"id": "i1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to append")
	assert.Empty(t, store.Broadcasts)
}

// TestPublisher_Batch 批量发布逐条广播
func TestPublisher_Batch(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store, nil, nil)
	ctx := context.Background()

	events := []*model.Envelope{
		model.NewEnvelope("t1", model.EventTypeInventoryItemUpdated, map[string]any{"id": "a"}),
		model.NewEnvelope("t1", model.EventTypeInventoryItemUpdated, map[string]any{"id": "b"}),
		model.NewEnvelope("t1", model.EventTypeInventoryItemUpdated, map[string]any{"id": "c"}),
	}

	require.NoError(t, p.PublishBatchEvents(ctx, events))

	stats, err := store.GetStreamStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Length)
	assert.Len(t, store.Broadcasts, 3)
}

// TestPublisher_EmptyBatch 空批次为 no-op
func TestPublisher_EmptyBatch(t *testing.T) {
	store := NewMemoryStore()
	p := NewPublisher(store, nil, nil)

	require.NoError(t, p.PublishBatchEvents(context.Background(), nil))
	assert.Empty(t, store.Broadcasts)
}
