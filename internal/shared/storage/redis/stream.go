// Package redis 租户事件流操作（Redis Streams）
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-events/internal/shared/model"
)

// === 流条目字段 ===

const (
	fieldType      = "type"
	fieldTimestamp = "timestamp"
	fieldEvent     = "event"
)

// streamEntryValues 将信封转换为流条目字段
func streamEntryValues(e *model.Envelope) (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return map[string]interface{}{
		fieldType:      e.Type,
		fieldTimestamp: e.Timestamp.Format(time.RFC3339Nano),
		fieldEvent:     string(data),
	}, nil
}

// ParseStreamEntry 从流条目解析事件信封
func ParseStreamEntry(msg redis.XMessage) (*model.Envelope, error) {
	raw, ok := msg.Values[fieldEvent].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no event field", msg.ID)
	}
	var e model.Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream entry %s: %w", msg.ID, err)
	}
	return &e, nil
}

// AppendEvent 追加事件到租户流，返回流条目 ID
func (s *Store) AppendEvent(ctx context.Context, e *model.Envelope) (string, error) {
	values, err := streamEntryValues(e)
	if err != nil {
		return "", err
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(e.TenantID),
		MaxLen: maxStreamLength,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append event to stream: %w", err)
	}

	log.Printf("[Redis/Stream] Appended event: tenant=%s type=%s id=%s entry=%s", e.TenantID, e.Type, e.ID, id)
	return id, nil
}

// AppendEvents 批量追加事件（pipeline）
//
// 同一租户的条目保持切片内顺序；返回每个事件的流条目 ID。
func (s *Store) AppendEvents(ctx context.Context, events []*model.Envelope) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(events))
	for _, e := range events {
		values, err := streamEntryValues(e)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamKey(e.TenantID),
			MaxLen: maxStreamLength,
			Approx: true,
			Values: values,
		}))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to append event batch: %w", err)
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}

	log.Printf("[Redis/Stream] Appended %d events via pipeline", len(ids))
	return ids, nil
}

// Broadcast 在租户广播频道上发布事件
func (s *Store) Broadcast(ctx context.Context, e *model.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := s.client.Publish(ctx, PubSubChannel(e.TenantID), data).Err(); err != nil {
		return fmt.Errorf("failed to broadcast event: %w", err)
	}
	return nil
}

// SubscribeBroadcast 订阅租户广播频道
//
// 返回的通道随 ctx 取消而关闭。解析失败的消息记录日志后跳过。
func (s *Store) SubscribeBroadcast(ctx context.Context, tenantID string) (<-chan *model.Envelope, error) {
	sub := s.client.Subscribe(ctx, PubSubChannel(tenantID))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe broadcast channel: %w", err)
	}

	ch := make(chan *model.Envelope, 100)
	go func() {
		defer close(ch)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var e model.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					log.Printf("[Redis/Stream] Dropping malformed broadcast message: %v", err)
					continue
				}
				select {
				case ch <- &e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// RangeEvents 按流条目 ID 范围读取事件
//
// 解析失败的条目记录日志后跳过，不中断读取。返回的 entryIDs 覆盖
// 页内全部原始条目（含被跳过的），count 同样作用于原始条目：
// 调用方据此判断页是否读满并推进续读位置，跳过条目不截断分页。
func (s *Store) RangeEvents(ctx context.Context, tenantID, startID, endID string, count int64) ([]*model.Envelope, []string, error) {
	key := StreamKey(tenantID)

	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, key, startID, endID, count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, key, startID, endID).Result()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to range events: %w", err)
	}

	events := make([]*model.Envelope, 0, len(msgs))
	entryIDs := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		entryIDs = append(entryIDs, msg.ID)
		e, err := ParseStreamEntry(msg)
		if err != nil {
			log.Printf("[Redis/Stream] Skipping malformed entry: %v", err)
			continue
		}
		events = append(events, e)
	}

	return events, entryIDs, nil
}

// StreamExists 判断租户流是否存在
func (s *Store) StreamExists(ctx context.Context, tenantID string) (bool, error) {
	n, err := s.client.Exists(ctx, StreamKey(tenantID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check stream existence: %w", err)
	}
	return n > 0, nil
}

// GetStreamStats 获取租户流统计
func (s *Store) GetStreamStats(ctx context.Context, tenantID string) (*model.StreamStats, error) {
	key := StreamKey(tenantID)

	info, err := s.client.XInfoStream(ctx, key).Result()
	if err != nil {
		if isNoStreamErr(err) {
			return &model.StreamStats{}, nil
		}
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	stats := &model.StreamStats{
		Length:       info.Length,
		FirstEntryID: info.FirstEntry.ID,
		LastEntryID:  info.LastEntry.ID,
		GroupCount:   info.Groups,
	}
	return stats, nil
}

// isNoStreamErr 判断是否为「流不存在」错误
func isNoStreamErr(err error) bool {
	return err != nil && (err == redis.Nil ||
		err.Error() == "ERR no such key")
}
