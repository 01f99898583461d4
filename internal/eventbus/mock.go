// Package eventbus 内存 mock 存储（用于测试）
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-events/internal/shared/model"
	redisstore "tenant-events/internal/shared/storage/redis"
)

// ============================================================================
// MemoryStore - 内存版 Store 实现（用于测试）
// ============================================================================

type memEntry struct {
	id    string
	event *model.Envelope
}

type memPending struct {
	entry         memEntry
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
}

type memGroup struct {
	lastDelivered int // 流内已投递的条目下标
	pending       map[string]*memPending
}

type memDedup struct {
	expiresAt time.Time
}

// MemoryStore 完整实现 Store 接口的内存存储
//
// 语义对齐 Redis 后端：流按追加序投递，消费者组跟踪 pending 状态，
// 去重 Key 按 TTL 过期。可注入错误模拟基础设施故障。
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string][]memEntry           // tenantID → entries
	groups  map[string]map[string]*memGroup // streamKey → group → state
	dedup   map[string]memDedup
	dlq     map[string][]*model.DeadLetterEntry
	cursors map[string]string
	seq     map[string]int64

	// Broadcasts 记录 Broadcast 调用，供断言
	Broadcasts []*model.Envelope

	// 注入的故障
	AppendErr error
	DedupErr  error
	PingErr   error
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: map[string][]memEntry{},
		groups:  map[string]map[string]*memGroup{},
		dedup:   map[string]memDedup{},
		dlq:     map[string][]*model.DeadLetterEntry{},
		cursors: map[string]string{},
		seq:     map[string]int64{},
	}
}

var _ Store = (*MemoryStore)(nil)

// Ping 探测
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.PingErr
}

// === EventStore ===

func (s *MemoryStore) AppendEvent(ctx context.Context, e *model.Envelope) (string, error) {
	if s.AppendErr != nil {
		return "", s.AppendErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e), nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, events []*model.Envelope) ([]string, error) {
	if s.AppendErr != nil {
		return nil, s.AppendErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, s.appendLocked(e))
	}
	return ids, nil
}

func (s *MemoryStore) appendLocked(e *model.Envelope) string {
	s.seq[e.TenantID]++
	id := fmt.Sprintf("%d-%d", e.Timestamp.UnixMilli(), s.seq[e.TenantID])
	s.streams[e.TenantID] = append(s.streams[e.TenantID], memEntry{id: id, event: e})
	return id
}

// AppendMalformedEntry 插入一条无法解析的流条目（event 为空），
// 用于验证读取路径对坏数据的处理
func (s *MemoryStore) AppendMalformedEntry(tenantID string, ts time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[tenantID]++
	id := fmt.Sprintf("%d-%d", ts.UnixMilli(), s.seq[tenantID])
	s.streams[tenantID] = append(s.streams[tenantID], memEntry{id: id})
	return id
}

func (s *MemoryStore) Broadcast(ctx context.Context, e *model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Broadcasts = append(s.Broadcasts, e)
	return nil
}

// BroadcastCount 已广播的事件数量
func (s *MemoryStore) BroadcastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Broadcasts)
}

// === DedupStore ===

func (s *MemoryStore) MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.DedupErr != nil {
		return false, s.DedupErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dedup[key]; ok && time.Now().Before(d.expiresAt) {
		return false, nil
	}
	s.dedup[key] = memDedup{expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) SweepLapsedDedupKeys(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, d := range s.dedup {
		if time.Now().After(d.expiresAt) {
			delete(s.dedup, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CountDedupKeys(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, d := range s.dedup {
		if time.Now().Before(d.expiresAt) {
			count++
		}
	}
	return count, nil
}

// === DeadLetterStore ===

func (s *MemoryStore) PushDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq[entry.TenantID] = append(s.dlq[entry.TenantID], entry)
	return nil
}

func (s *MemoryStore) DeadLetterLength(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.dlq[tenantID])), nil
}

func (s *MemoryStore) PeekDeadLetters(ctx context.Context, tenantID string, start, stop int64) ([]*model.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.dlq[tenantID]
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= int64(len(entries)) {
		stop = int64(len(entries)) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]*model.DeadLetterEntry, 0, stop-start+1)
	out = append(out, entries[start:stop+1]...)
	return out, nil
}

// === GroupStore ===

func (s *MemoryStore) CreateConsumerGroup(ctx context.Context, streamKey, group, startID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.groups[streamKey] == nil {
		s.groups[streamKey] = map[string]*memGroup{}
	}
	// 已存在视为成功（幂等）
	if _, ok := s.groups[streamKey][group]; !ok {
		s.groups[streamKey][group] = &memGroup{pending: map[string]*memPending{}}
	}
	return nil
}

func (s *MemoryStore) ReadGroup(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.lookupGroupLocked(streamKey, group)
	if g == nil {
		return nil, fmt.Errorf("NOGROUP no such consumer group %s", group)
	}

	tenantID := strings.TrimPrefix(streamKey, redisstore.StreamKey(""))
	entries := s.streams[tenantID]

	var msgs []redis.XMessage
	for g.lastDelivered < len(entries) && int64(len(msgs)) < count {
		entry := entries[g.lastDelivered]
		g.lastDelivered++

		g.pending[entry.id] = &memPending{
			entry:         entry,
			consumer:      consumer,
			deliveredAt:   time.Now(),
			deliveryCount: 1,
		}
		msgs = append(msgs, toXMessage(entry))
	}
	return msgs, nil
}

func (s *MemoryStore) AckMessage(ctx context.Context, streamKey, group, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g := s.lookupGroupLocked(streamKey, group); g != nil {
		delete(g.pending, messageID)
	}
	return nil
}

func (s *MemoryStore) PendingMessages(ctx context.Context, streamKey, group string, count int64) ([]*model.PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.lookupGroupLocked(streamKey, group)
	if g == nil {
		return nil, nil
	}

	var out []*model.PendingEntry
	for id, p := range g.pending {
		out = append(out, &model.PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          time.Since(p.deliveredAt),
			DeliveryCount: p.deliveryCount,
		})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimMessages(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.lookupGroupLocked(streamKey, group)
	if g == nil {
		return nil, nil
	}

	var msgs []redis.XMessage
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || time.Since(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = time.Now()
		p.deliveryCount++
		msgs = append(msgs, toXMessage(p.entry))
	}
	return msgs, nil
}

func (s *MemoryStore) DestroyConsumerGroup(ctx context.Context, streamKey, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if groups, ok := s.groups[streamKey]; ok {
		delete(groups, group)
	}
	return nil
}

func (s *MemoryStore) lookupGroupLocked(streamKey, group string) *memGroup {
	if groups, ok := s.groups[streamKey]; ok {
		return groups[group]
	}
	return nil
}

// === BackfillStore ===

func (s *MemoryStore) RangeEvents(ctx context.Context, tenantID, startID, endID string, count int64) ([]*model.Envelope, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startMs, startSeq := parseRangeID(startID, false)
	endMs, endSeq := parseRangeID(endID, true)

	// count 与 ids 均以原始条目计；解析失败的条目（event 为空）
	// 不进事件切片但占据分页位置，与 Redis 后端的契约一致
	var events []*model.Envelope
	var ids []string
	for _, entry := range s.streams[tenantID] {
		ms, seq := parseRangeID(entry.id, false)
		if less(ms, seq, startMs, startSeq) || less(endMs, endSeq, ms, seq) {
			continue
		}
		ids = append(ids, entry.id)
		if entry.event != nil {
			events = append(events, entry.event)
		}
		if count > 0 && int64(len(ids)) >= count {
			break
		}
	}
	return events, ids, nil
}

func (s *MemoryStore) StreamExists(ctx context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[tenantID]) > 0, nil
}

func (s *MemoryStore) GetStreamStats(ctx context.Context, tenantID string) (*model.StreamStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.streams[tenantID]
	stats := &model.StreamStats{Length: int64(len(entries))}
	if len(entries) > 0 {
		stats.FirstEntryID = entries[0].id
		stats.LastEntryID = entries[len(entries)-1].id
	}
	for _, groups := range s.groups {
		stats.GroupCount += int64(len(groups))
	}
	return stats, nil
}

func (s *MemoryStore) GetStreamPosition(ctx context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[tenantID], nil
}

func (s *MemoryStore) SetStreamPosition(ctx context.Context, tenantID, position string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[tenantID] = position
	return nil
}

// === 辅助函数 ===

// toXMessage 构造与 Redis 后端相同形状的流条目
func toXMessage(entry memEntry) redis.XMessage {
	if entry.event == nil {
		return redis.XMessage{ID: entry.id, Values: map[string]interface{}{}}
	}
	data, _ := json.Marshal(entry.event)
	return redis.XMessage{
		ID: entry.id,
		Values: map[string]interface{}{
			"type":      entry.event.Type,
			"timestamp": entry.event.Timestamp.Format(time.RFC3339Nano),
			"event":     string(data),
		},
	}
}

// parseRangeID 解析流条目 ID / 范围端点
func parseRangeID(id string, isEnd bool) (int64, int64) {
	switch id {
	case "-", "":
		return 0, 0
	case "+":
		return int64(^uint64(0) >> 1), int64(^uint64(0) >> 1)
	}

	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	if len(parts) == 2 {
		seq, _ := strconv.ParseInt(parts[1], 10, 64)
		return ms, seq
	}
	if isEnd {
		return ms, int64(^uint64(0) >> 1)
	}
	return ms, 0
}

func less(aMs, aSeq, bMs, bSeq int64) bool {
	if aMs != bMs {
		return aMs < bMs
	}
	return aSeq < bSeq
}
