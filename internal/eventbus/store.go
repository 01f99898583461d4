// Package eventbus 租户级事件总线
//
// 总线将业务服务解耦为发布方与消费方：事件经校验、去重后追加到
// 租户事件流并广播，由处理器同步分发给注册的处理函数，重试耗尽
// 的事件进入死信列表；消费者组与回放服务提供至少一次投递与历史
// 重放能力。
//
// store.go 定义各组件对后端存储的依赖接口，
// 由 internal/shared/storage/redis 实现；测试使用 mock.go 的内存实现。
package eventbus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-events/internal/shared/model"
)

// EventStore 事件流写入与广播
type EventStore interface {
	AppendEvent(ctx context.Context, e *model.Envelope) (string, error)
	AppendEvents(ctx context.Context, events []*model.Envelope) ([]string, error)
	Broadcast(ctx context.Context, e *model.Envelope) error
}

// DedupStore 去重原语
type DedupStore interface {
	MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SweepLapsedDedupKeys(ctx context.Context) (int64, error)
	CountDedupKeys(ctx context.Context) (int64, error)
}

// DeadLetterStore 死信列表
type DeadLetterStore interface {
	PushDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error
	DeadLetterLength(ctx context.Context, tenantID string) (int64, error)
	PeekDeadLetters(ctx context.Context, tenantID string, start, stop int64) ([]*model.DeadLetterEntry, error)
}

// GroupStore 消费者组原语
type GroupStore interface {
	CreateConsumerGroup(ctx context.Context, streamKey, group, startID string) error
	ReadGroup(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error)
	AckMessage(ctx context.Context, streamKey, group, messageID string) error
	PendingMessages(ctx context.Context, streamKey, group string, count int64) ([]*model.PendingEntry, error)
	ClaimMessages(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error)
	DestroyConsumerGroup(ctx context.Context, streamKey, group string) error
}

// BackfillStore 历史事件读取与游标
//
// RangeEvents 的 count 与返回的条目 ID 切片均以原始流条目计：
// 解析失败被跳过的条目不出现在事件切片中，但其 ID 仍计入返回，
// 调用方据此分页。
type BackfillStore interface {
	RangeEvents(ctx context.Context, tenantID, startID, endID string, count int64) ([]*model.Envelope, []string, error)
	StreamExists(ctx context.Context, tenantID string) (bool, error)
	GetStreamStats(ctx context.Context, tenantID string) (*model.StreamStats, error)
	GetStreamPosition(ctx context.Context, tenantID string) (string, error)
	SetStreamPosition(ctx context.Context, tenantID, position string) error
}

// Store 后端存储的完整能力集（由 redis.Store 实现）
type Store interface {
	EventStore
	DedupStore
	DeadLetterStore
	GroupStore
	BackfillStore
	Ping(ctx context.Context) error
}
