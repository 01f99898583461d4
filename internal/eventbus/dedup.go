// Package eventbus 事件去重服务
package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"time"

	"tenant-events/internal/shared/model"
	redisstore "tenant-events/internal/shared/storage/redis"
	"tenant-events/pkg/logging"
)

// 免去重的事件类型（心跳、连接生命周期）
var dedupExemptTypes = map[string]bool{
	model.EventTypeSystemHeartbeatPing:    true,
	model.EventTypeSystemConnectionOpened: true,
	model.EventTypeSystemConnectionClosed: true,
}

// DedupService 基于内容哈希的幂等闸口
//
// 对 {entity, entityId, version, payload} 计算确定性哈希，
// 用存储的 SetNX+TTL 原语保证并发发布同一逻辑事件只有一个胜者。
// 基础设施故障时 fail-open（视为新事件）：业务可用性优先于严格
// 去重，下游处理器按幂等设计。
type DedupService struct {
	store  DedupStore
	window time.Duration
	logger *logging.Logger
}

// NewDedupService 创建去重服务
func NewDedupService(store DedupStore, window time.Duration, logger *logging.Logger) *DedupService {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default("dedup")
	}
	return &DedupService{
		store:  store,
		window: window,
		logger: logger,
	}
}

// ContentHash 计算事件内容哈希
//
// JSON 编码对 map 键排序，嵌套 payload 的哈希与字段写入顺序无关。
func ContentHash(e *model.Envelope) (string, error) {
	content := map[string]any{
		"entity":   e.Entity,
		"entityId": e.EntityID,
		"version":  e.Version,
		"payload":  e.Payload,
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CheckAndMarkAsProcessed 检查并标记事件
//
// 返回 true 表示首次出现（放行），false 表示窗口内重复（压制）。
func (d *DedupService) CheckAndMarkAsProcessed(ctx context.Context, e *model.Envelope) bool {
	if dedupExemptTypes[e.Type] {
		return true
	}

	hash, err := ContentHash(e)
	if err != nil {
		// 无法哈希时放行，交给校验器拦截真正的非法 payload
		d.logger.WithEventID(e.ID).WithError(err).Warn("Dedup hash failed, treating event as new")
		return true
	}

	key := redisstore.DedupKey(e.TenantID, e.Type, hash)
	isNew, err := d.store.MarkIfAbsent(ctx, key, d.window)
	if err != nil {
		// fail-open：存储抖动不阻断业务流
		d.logger.WithEventID(e.ID).WithError(err).Warn("Dedup store unavailable, treating event as new")
		return true
	}

	return isNew
}

// StartSweeper 启动兜底清扫协程
//
// 存储自身的 TTL 淘汰是主要回收机制，这里周期性清理漏网的 Key。
// 随 ctx 取消而停止。
func (d *DedupService) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	go func() {
		// 加抖动，避免多实例同时扫描
		jitter := time.Duration(rand.Int63n(int64(interval / 10)))
		timer := time.NewTimer(interval + jitter)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				if _, err := d.store.SweepLapsedDedupKeys(ctx); err != nil {
					d.logger.WithError(err).Warn("Dedup sweep failed")
				}
				timer.Reset(interval + time.Duration(rand.Int63n(int64(interval/10))))
			}
		}
	}()
}

// Stats 去重存储统计
func (d *DedupService) Stats(ctx context.Context) (int64, error) {
	return d.store.CountDedupKeys(ctx)
}
