// Package eventbus 消费者组测试
package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-events/internal/shared/model"
	redisstore "tenant-events/internal/shared/storage/redis"
)

func newTestGroupManager(store *MemoryStore, consumer string) *ConsumerGroupManager {
	return NewConsumerGroupManager(store, ConsumerGroupOptions{
		Group:        "workers",
		Consumer:     consumer,
		ReadCount:    10,
		BlockTimeout: 10 * time.Millisecond,
		ClaimMinIdle: time.Millisecond,
	}, nil, NewMetrics("test", prometheus.NewRegistry()))
}

// TestConsumerGroup_ReadAndAck 读取即确认，无残留 pending
func TestConsumerGroup_ReadAndAck(t *testing.T) {
	store := NewMemoryStore()
	mgr := newTestGroupManager(store, "c1")
	ctx := context.Background()

	require.NoError(t, mgr.CreateConsumerGroup(ctx, "t1", "0"))
	seedStream(t, store, "t1", time.Now().UTC(), 3, model.EventTypeInventoryItemUpdated)

	events, err := mgr.ReadEventsFromGroup(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, events, 3)

	pending, err := mgr.GetPendingMessages(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestConsumerGroup_CompetingConsumers 同组消费者互不重复投递
func TestConsumerGroup_CompetingConsumers(t *testing.T) {
	store := NewMemoryStore()
	a := newTestGroupManager(store, "c-a")
	b := newTestGroupManager(store, "c-b")
	ctx := context.Background()

	require.NoError(t, a.CreateConsumerGroup(ctx, "t1", "0"))
	seedStream(t, store, "t1", time.Now().UTC(), 4, model.EventTypeInventoryItemUpdated)

	got, err := a.ReadEventsFromGroup(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, got, 4)

	// 全部条目已投递给 a，b 读到空批次
	rest, err := b.ReadEventsFromGroup(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, rest)
}

// TestConsumerGroup_CrashedConsumerLeavesPending 未确认条目保留在 pending 列表
func TestConsumerGroup_CrashedConsumerLeavesPending(t *testing.T) {
	store := NewMemoryStore()
	mgr := newTestGroupManager(store, "survivor")
	ctx := context.Background()

	require.NoError(t, mgr.CreateConsumerGroup(ctx, "t1", "0"))
	seedStream(t, store, "t1", time.Now().UTC(), 2, model.EventTypeInventoryItemUpdated)

	// 模拟崩溃的消费者：直接从存储读取且不确认
	_, err := store.ReadGroup(ctx, redisstore.StreamKey("t1"), "workers", "crashed", 10, 0)
	require.NoError(t, err)

	pending, err := mgr.GetPendingMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, "crashed", p.Consumer)
		assert.Equal(t, int64(1), p.DeliveryCount)
	}
}

// TestConsumerGroup_ClaimAfterMinIdle 空闲超过门槛的条目可被接管
func TestConsumerGroup_ClaimAfterMinIdle(t *testing.T) {
	store := NewMemoryStore()
	mgr := newTestGroupManager(store, "survivor")
	ctx := context.Background()

	require.NoError(t, mgr.CreateConsumerGroup(ctx, "t1", "0"))
	seedStream(t, store, "t1", time.Now().UTC(), 2, model.EventTypeInventoryItemUpdated)

	_, err := store.ReadGroup(ctx, redisstore.StreamKey("t1"), "workers", "crashed", 10, 0)
	require.NoError(t, err)

	// 未达门槛：不接管
	claimed, err := mgr.ClaimPendingMessages(ctx, "t1", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// 达到门槛：接管并确认
	time.Sleep(5 * time.Millisecond)
	claimed, err = mgr.ClaimPendingMessages(ctx, "t1", time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	pending, err := mgr.GetPendingMessages(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestConsumerGroup_CreateIdempotent 重复创建消费者组不报错
func TestConsumerGroup_CreateIdempotent(t *testing.T) {
	mgr := newTestGroupManager(NewMemoryStore(), "c1")
	ctx := context.Background()

	require.NoError(t, mgr.CreateConsumerGroup(ctx, "t1", "0"))
	require.NoError(t, mgr.CreateConsumerGroup(ctx, "t1", "0"))
}

// TestConsumerGroup_ReadWithoutGroup 未创建组时读取报错
func TestConsumerGroup_ReadWithoutGroup(t *testing.T) {
	mgr := newTestGroupManager(NewMemoryStore(), "c1")

	_, err := mgr.ReadEventsFromGroup(context.Background(), "t1")
	assert.Error(t, err)
}

// TestConsumerGroup_Delete 销毁后组不复存在
func TestConsumerGroup_Delete(t *testing.T) {
	store := NewMemoryStore()
	mgr := newTestGroupManager(store, "c1")
	ctx := context.Background()

	require.NoError(t, mgr.CreateConsumerGroup(ctx, "t1", "0"))
	require.NoError(t, mgr.DeleteConsumerGroup(ctx, "t1"))

	_, err := mgr.ReadEventsFromGroup(ctx, "t1")
	assert.Error(t, err)
}
