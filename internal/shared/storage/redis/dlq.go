// Package redis 死信列表操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"tenant-events/internal/shared/model"
)

// PushDeadLetter 追加死信条目到租户死信列表
func (s *Store) PushDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	if err := s.client.RPush(ctx, DeadLetterKey(entry.TenantID), data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter entry: %w", err)
	}

	log.Printf("[Redis/DLQ] Dead-lettered event: tenant=%s event=%s retries=%d", entry.TenantID, entry.Event.ID, entry.RetryCount)
	return nil
}

// DeadLetterLength 获取租户死信列表长度
func (s *Store) DeadLetterLength(ctx context.Context, tenantID string) (int64, error) {
	return s.client.LLen(ctx, DeadLetterKey(tenantID)).Result()
}

// PeekDeadLetters 查看死信条目（不弹出）
//
// 解析失败的条目跳过，供运维工具巡检使用。
func (s *Store) PeekDeadLetters(ctx context.Context, tenantID string, start, stop int64) ([]*model.DeadLetterEntry, error) {
	items, err := s.client.LRange(ctx, DeadLetterKey(tenantID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter list: %w", err)
	}

	entries := make([]*model.DeadLetterEntry, 0, len(items))
	for _, item := range items {
		var entry model.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			log.Printf("[Redis/DLQ] Skipping malformed dead letter entry: %v", err)
			continue
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}
