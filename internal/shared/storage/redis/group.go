// Package redis 消费者组原语（竞争消费者模式）
package redis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-events/internal/shared/model"
)

// CreateConsumerGroup 在流上创建消费者组（幂等）
//
// 组已存在（BUSYGROUP）视为成功；流不存在时连同流一起创建。
func (s *Store) CreateConsumerGroup(ctx context.Context, streamKey, group, startID string) error {
	if startID == "" {
		startID = "0"
	}

	err := s.client.XGroupCreateMkStream(ctx, streamKey, group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, streamKey, err)
	}

	log.Printf("[Redis/Group] Consumer group ready: stream=%s group=%s", streamKey, group)
	return nil
}

// ReadGroup 以消费者身份阻塞读取新条目
//
// 阻塞超时返回空切片而非错误。
func (s *Store) ReadGroup(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from consumer group: %w", err)
	}

	var msgs []redis.XMessage
	for _, stream := range streams {
		msgs = append(msgs, stream.Messages...)
	}
	return msgs, nil
}

// AckMessage 确认消费者组条目已处理
func (s *Store) AckMessage(ctx context.Context, streamKey, group, messageID string) error {
	if err := s.client.XAck(ctx, streamKey, group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	return nil
}

// PendingMessages 列出消费者组中未确认的条目
func (s *Store) PendingMessages(ctx context.Context, streamKey, group string, count int64) ([]*model.PendingEntry, error) {
	ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if isNoGroupErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}

	entries := make([]*model.PendingEntry, 0, len(ext))
	for _, p := range ext {
		entries = append(entries, &model.PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// ClaimMessages 接管空闲超过 minIdle 的未确认条目
//
// 只有空闲时间达到门槛的条目会转移归属，避免抢占仍在处理中的条目。
func (s *Store) ClaimMessages(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim pending messages: %w", err)
	}

	if len(msgs) > 0 {
		log.Printf("[Redis/Group] Claimed %d pending messages: stream=%s consumer=%s", len(msgs), streamKey, consumer)
	}
	return msgs, nil
}

// DestroyConsumerGroup 销毁消费者组
func (s *Store) DestroyConsumerGroup(ctx context.Context, streamKey, group string) error {
	if err := s.client.XGroupDestroy(ctx, streamKey, group).Err(); err != nil {
		if isNoGroupErr(err) {
			return nil
		}
		return fmt.Errorf("failed to destroy consumer group: %w", err)
	}

	log.Printf("[Redis/Group] Destroyed consumer group: stream=%s group=%s", streamKey, group)
	return nil
}

// isNoGroupErr 判断是否为「组或流不存在」错误
func isNoGroupErr(err error) bool {
	return err != nil && (err == redis.Nil ||
		strings.Contains(err.Error(), "NOGROUP") ||
		strings.Contains(err.Error(), "no such key"))
}
