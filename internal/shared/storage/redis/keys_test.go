// Package redis Key 命名空间测试
package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestKeyBuilders Key 布局跨版本保持稳定
func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "events:stream:t1", StreamKey("t1"))
	assert.Equal(t, "events:pubsub:t1", PubSubChannel("t1"))
	assert.Equal(t, "dedup:t1:inventory.item.created:abc123", DedupKey("t1", "inventory.item.created", "abc123"))
	assert.Equal(t, "dlq:t1", DeadLetterKey("t1"))
	assert.Equal(t, "events:position:t1", PositionKey("t1"))
}
