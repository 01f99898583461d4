// Package redis Key 命名空间
//
// Key 命名空间跨实现保持稳定，修改任何前缀都是破坏性变更。
package redis

// === Key 前缀常量 ===

const (
	// 租户事件流（append-only log）
	keyEventStream = "events:stream:"
	// 租户广播频道（pub/sub）
	keyEventPubSub = "events:pubsub:"
	// 去重 Key 前缀
	keyDedup = "dedup:"
	// 死信列表
	keyDeadLetter = "dlq:"
	// 消费游标
	keyStreamPosition = "events:position:"
)

// StreamKey 租户事件流 Key
func StreamKey(tenantID string) string {
	return keyEventStream + tenantID
}

// PubSubChannel 租户广播频道
func PubSubChannel(tenantID string) string {
	return keyEventPubSub + tenantID
}

// DedupKey 去重 Key：dedup:{tenantId}:{type}:{contentHash}
func DedupKey(tenantID, eventType, contentHash string) string {
	return keyDedup + tenantID + ":" + eventType + ":" + contentHash
}

// DeadLetterKey 租户死信列表 Key
func DeadLetterKey(tenantID string) string {
	return keyDeadLetter + tenantID
}

// PositionKey 租户消费游标 Key
func PositionKey(tenantID string) string {
	return keyStreamPosition + tenantID
}
