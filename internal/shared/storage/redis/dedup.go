// Package redis 去重原语（SetNX + TTL）
package redis

import (
	"context"
	"fmt"
	"log"
	"time"
)

// MarkIfAbsent 原子地写入去重 Key
//
// 返回 true 表示 Key 不存在且写入成功（首次出现）；
// 并发发布同一逻辑事件时恰好一个调用方观察到 true。
func (s *Store) MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set dedup key: %w", err)
	}
	return ok, nil
}

// CountDedupKeys 统计当前存活的去重 Key 数量（可观测性）
func (s *Store) CountDedupKeys(ctx context.Context) (int64, error) {
	var count int64
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyDedup+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan dedup keys: %w", err)
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return count, nil
}

// SweepLapsedDedupKeys 清理已过期但未被回收的去重 Key
//
// Redis 自身的 TTL 淘汰是主要机制，这里只做兜底清扫。
// 返回删除的 Key 数量。
func (s *Store) SweepLapsedDedupKeys(ctx context.Context) (int64, error) {
	var removed int64
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyDedup+"*", 500).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan dedup keys: %w", err)
		}

		for _, key := range keys {
			ttl, err := s.client.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			// TTL == -1 表示 Key 失去了过期时间，按已失效处理
			if ttl == -1 {
				if err := s.client.Del(ctx, key).Err(); err == nil {
					removed++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		log.Printf("[Redis] Swept %d lapsed dedup keys", removed)
	}
	return removed, nil
}
