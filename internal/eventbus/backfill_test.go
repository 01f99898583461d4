// Package eventbus 历史事件回放测试
package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-events/internal/shared/model"
)

// seedStream 按固定间隔向租户流写入 n 个事件
func seedStream(t *testing.T, store *MemoryStore, tenantID string, base time.Time, n int, eventType string) []*model.Envelope {
	t.Helper()
	ctx := context.Background()

	events := make([]*model.Envelope, 0, n)
	for i := 0; i < n; i++ {
		e := model.NewEnvelope(tenantID, eventType, map[string]any{"id": "e", "seq": i})
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		_, err := store.AppendEvent(ctx, e)
		require.NoError(t, err)
		events = append(events, e)
	}
	return events
}

// TestBackfill_FullRange 全窗口回放按追加顺序返回全部事件
func TestBackfill_FullRange(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seeded := seedStream(t, store, "t1", base, 5, model.EventTypeInventoryItemUpdated)

	svc := NewBackfillService(store, 1000, nil)
	result, err := svc.BackfillEvents(context.Background(), &model.BackfillRequest{
		TenantID:      "t1",
		FromTimestamp: base,
	})

	require.NoError(t, err)
	require.Len(t, result.Events, 5)
	assert.Equal(t, 5, result.TotalCount)
	assert.False(t, result.HasMore)
	for i, e := range result.Events {
		assert.Equal(t, seeded[i].ID, e.ID)
	}
}

// TestBackfill_LimitAndCursor 超出 limit 时给出 HasMore 与续读游标
func TestBackfill_LimitAndCursor(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedStream(t, store, "t1", base, 12, model.EventTypeInventoryItemUpdated)

	svc := NewBackfillService(store, 1000, nil)
	result, err := svc.BackfillEvents(context.Background(), &model.BackfillRequest{
		TenantID:      "t1",
		FromTimestamp: base,
		Limit:         5,
	})

	require.NoError(t, err)
	assert.Len(t, result.Events, 5)
	assert.Equal(t, 12, result.TotalCount)
	assert.True(t, result.HasMore)

	// 游标 = 最后一条返回事件的毫秒时间戳
	last := result.Events[len(result.Events)-1]
	assert.Equal(t, timestampCursor(last.Timestamp), result.NextCursor)
}

// TestBackfill_TimeWindow 上下界之外的事件被精确过滤
func TestBackfill_TimeWindow(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedStream(t, store, "t1", base, 10, model.EventTypeInventoryItemUpdated)

	from := base.Add(3 * time.Second)
	to := base.Add(6 * time.Second)

	svc := NewBackfillService(store, 1000, nil)
	result, err := svc.BackfillEvents(context.Background(), &model.BackfillRequest{
		TenantID:      "t1",
		FromTimestamp: from,
		ToTimestamp:   &to,
	})

	require.NoError(t, err)
	// 秒 3、4、5、6 共 4 条
	assert.Len(t, result.Events, 4)
	for _, e := range result.Events {
		assert.False(t, e.Timestamp.Before(from))
		assert.False(t, e.Timestamp.After(to))
	}
}

// TestBackfill_TypeFilter 类型过滤只保留指定类型
func TestBackfill_TypeFilter(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedStream(t, store, "t1", base, 4, model.EventTypeInventoryItemUpdated)
	seedStream(t, store, "t1", base.Add(time.Minute), 3, model.EventTypeUserAccountUpdated)

	svc := NewBackfillService(store, 1000, nil)
	result, err := svc.BackfillEvents(context.Background(), &model.BackfillRequest{
		TenantID:      "t1",
		FromTimestamp: base,
		EventTypes:    []string{model.EventTypeUserAccountUpdated},
	})

	require.NoError(t, err)
	assert.Len(t, result.Events, 3)
	for _, e := range result.Events {
		assert.Equal(t, model.EventTypeUserAccountUpdated, e.Type)
	}
}

// TestBackfill_MalformedEntryDoesNotTruncate 坏条目占据分页位置但不中断翻页：
// 首页含一条无法解析的条目时，后续历史仍被完整读出
func TestBackfill_MalformedEntryDoesNotTruncate(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedStream(t, store, "t1", base, 100, model.EventTypeInventoryItemUpdated)
	store.AppendMalformedEntry("t1", base.Add(100*time.Second))
	seedStream(t, store, "t1", base.Add(101*time.Second), 499, model.EventTypeInventoryItemUpdated)

	svc := NewBackfillService(store, 1000, nil)
	result, err := svc.BackfillEvents(context.Background(), &model.BackfillRequest{
		TenantID:      "t1",
		FromTimestamp: base,
		Limit:         1000,
	})

	require.NoError(t, err)
	assert.Equal(t, 599, result.TotalCount)
	assert.Len(t, result.Events, 599)
	assert.False(t, result.HasMore)
}

// TestBackfill_MissingStream 流不存在返回空结果而非错误
func TestBackfill_MissingStream(t *testing.T) {
	svc := NewBackfillService(NewMemoryStore(), 1000, nil)

	result, err := svc.BackfillEvents(context.Background(), &model.BackfillRequest{
		TenantID:      "ghost",
		FromTimestamp: time.Now().Add(-time.Hour),
	})

	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.False(t, result.HasMore)
}

// TestBackfill_RequestValidation 非法请求逐项报错
func TestBackfill_RequestValidation(t *testing.T) {
	svc := NewBackfillService(NewMemoryStore(), 100, nil)
	ctx := context.Background()
	now := time.Now()

	_, err := svc.BackfillEvents(ctx, &model.BackfillRequest{FromTimestamp: now})
	assert.ErrorContains(t, err, "tenant id")

	_, err = svc.BackfillEvents(ctx, &model.BackfillRequest{TenantID: "t1"})
	assert.ErrorContains(t, err, "fromTimestamp")

	before := now.Add(-time.Hour)
	_, err = svc.BackfillEvents(ctx, &model.BackfillRequest{TenantID: "t1", FromTimestamp: now, ToTimestamp: &before})
	assert.ErrorContains(t, err, "after")

	_, err = svc.BackfillEvents(ctx, &model.BackfillRequest{TenantID: "t1", FromTimestamp: now, Limit: 101})
	assert.ErrorContains(t, err, "exceeds maximum")
}

// TestBackfill_StreamPositionRoundTrip 消费游标读写往返
func TestBackfill_StreamPositionRoundTrip(t *testing.T) {
	svc := NewBackfillService(NewMemoryStore(), 1000, nil)
	ctx := context.Background()

	pos, err := svc.GetStreamPosition(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pos)

	require.NoError(t, svc.SetStreamPosition(ctx, "t1", "1700000000000-0"))

	pos, err = svc.GetStreamPosition(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", pos)
}

// TestNextStreamID 独占续读 ID 递增序列号
func TestNextStreamID(t *testing.T) {
	assert.Equal(t, "100-1", nextStreamID("100-0"))
	assert.Equal(t, "100-8", nextStreamID("100-7"))
	// 不可解析的 ID 原样返回
	assert.Equal(t, "bogus", nextStreamID("bogus"))
}
