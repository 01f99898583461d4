// Package redis 消费游标操作
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// GetStreamPosition 读取租户消费游标
//
// 游标不存在时返回空串，由调用方决定起始位置。
func (s *Store) GetStreamPosition(ctx context.Context, tenantID string) (string, error) {
	pos, err := s.client.Get(ctx, PositionKey(tenantID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get stream position: %w", err)
	}
	return pos, nil
}

// SetStreamPosition 持久化租户消费游标
func (s *Store) SetStreamPosition(ctx context.Context, tenantID, position string) error {
	if err := s.client.Set(ctx, PositionKey(tenantID), position, 0).Err(); err != nil {
		return fmt.Errorf("failed to set stream position: %w", err)
	}
	return nil
}
