// Package eventbus 历史事件回放
package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tenant-events/internal/shared/model"
	"tenant-events/pkg/logging"
)

// 单次向存储读取的页大小
const backfillPageSize = 500

// BackfillService 按时间窗口回放租户历史事件
//
// 流的范围读取以毫秒为粒度，属于粗过滤；精确的类型与时间戳过滤
// 在进程内完成。
type BackfillService struct {
	store        BackfillStore
	maxLimit     int
	defaultLimit int
	logger       *logging.Logger
}

// NewBackfillService 创建回放服务
func NewBackfillService(store BackfillStore, maxLimit int, logger *logging.Logger) *BackfillService {
	if maxLimit <= 0 {
		maxLimit = 1000
	}
	if logger == nil {
		logger = logging.Default("backfill")
	}
	return &BackfillService{
		store:        store,
		maxLimit:     maxLimit,
		defaultLimit: 100,
		logger:       logger,
	}
}

// BackfillEvents 回放历史事件
//
// 结果按追加顺序返回；匹配数超出 limit 时 HasMore 为 true，
// NextCursor 由最后一条返回事件的时间戳导出，供调用方续读。
// 租户流不存在不是错误，返回空结果。
func (b *BackfillService) BackfillEvents(ctx context.Context, req *model.BackfillRequest) (*model.BackfillResult, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("backfill request missing tenant id")
	}
	if req.FromTimestamp.IsZero() {
		return nil, fmt.Errorf("backfill request missing fromTimestamp")
	}
	if req.ToTimestamp != nil && !req.ToTimestamp.After(req.FromTimestamp) {
		return nil, fmt.Errorf("toTimestamp must be after fromTimestamp")
	}
	if req.Limit > b.maxLimit {
		return nil, fmt.Errorf("limit %d exceeds maximum %d", req.Limit, b.maxLimit)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = b.defaultLimit
	}

	exists, err := b.store.StreamExists(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &model.BackfillResult{Events: []*model.Envelope{}, HasMore: false}, nil
	}

	// 时间戳导出的粗范围：流条目 ID 的毫秒部分
	startID := strconv.FormatInt(req.FromTimestamp.UnixMilli(), 10)
	endID := "+"
	if req.ToTimestamp != nil {
		endID = strconv.FormatInt(req.ToTimestamp.UnixMilli(), 10)
	}

	typeFilter := make(map[string]bool, len(req.EventTypes))
	for _, t := range req.EventTypes {
		typeFilter[t] = true
	}

	result := &model.BackfillResult{Events: []*model.Envelope{}}

	for {
		events, entryIDs, err := b.store.RangeEvents(ctx, req.TenantID, startID, endID, backfillPageSize)
		if err != nil {
			return nil, err
		}
		// entryIDs 覆盖页内全部原始条目（含解析失败被跳过的），
		// 分页推进必须以它为准：跳过条目不得截断后续历史
		if len(entryIDs) == 0 {
			break
		}

		for _, e := range events {
			if !b.matches(e, req, typeFilter) {
				continue
			}
			result.TotalCount++
			if len(result.Events) < limit {
				result.Events = append(result.Events, e)
			}
		}

		if len(entryIDs) < backfillPageSize {
			break
		}
		startID = nextStreamID(entryIDs[len(entryIDs)-1])
	}

	if result.TotalCount > len(result.Events) {
		result.HasMore = true
		last := result.Events[len(result.Events)-1]
		result.NextCursor = timestampCursor(last.Timestamp)
	}

	b.logger.WithTenantID(req.TenantID).Debug("Backfill completed",
		"returned", len(result.Events), "total", result.TotalCount, "has_more", result.HasMore)
	return result, nil
}

// matches 精确过滤：类型与时间戳边界
func (b *BackfillService) matches(e *model.Envelope, req *model.BackfillRequest, typeFilter map[string]bool) bool {
	if len(typeFilter) > 0 && !typeFilter[e.Type] {
		return false
	}
	if e.Timestamp.Before(req.FromTimestamp) {
		return false
	}
	if req.ToTimestamp != nil && e.Timestamp.After(*req.ToTimestamp) {
		return false
	}
	return true
}

// GetStreamPosition 读取租户消费游标
func (b *BackfillService) GetStreamPosition(ctx context.Context, tenantID string) (string, error) {
	return b.store.GetStreamPosition(ctx, tenantID)
}

// SetStreamPosition 持久化租户消费游标
func (b *BackfillService) SetStreamPosition(ctx context.Context, tenantID, position string) error {
	return b.store.SetStreamPosition(ctx, tenantID, position)
}

// GetStreamStats 获取租户流统计
func (b *BackfillService) GetStreamStats(ctx context.Context, tenantID string) (*model.StreamStats, error) {
	return b.store.GetStreamStats(ctx, tenantID)
}

// nextStreamID 计算给定流条目 ID 的下一个 ID（独占续读）
func nextStreamID(id string) string {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return id
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return id
	}
	return parts[0] + "-" + strconv.FormatUint(seq+1, 10)
}

// timestampCursor 把时间转为流条目 ID 形式的游标
func timestampCursor(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}
