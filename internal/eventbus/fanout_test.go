// Package eventbus 实时推送测试
package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-events/internal/shared/model"
)

// chanTransport 基于 channel 的测试传输
type chanTransport struct {
	mu      sync.Mutex
	sent    []*model.Envelope
	sendErr error
	closed  bool
}

func (t *chanTransport) Send(e *model.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, e)
	return nil
}

func (t *chanTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *chanTransport) sentEvents() []*model.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*model.Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *chanTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

var _ Transport = (*chanTransport)(nil)

func newTestFanout(opts FanoutOptions) *FanoutService {
	return NewFanoutService(opts, nil, nil)
}

// TestFanout_ConnectionLimit 超出上限返回 ErrConnectionLimit
func TestFanout_ConnectionLimit(t *testing.T) {
	f := newTestFanout(FanoutOptions{MaxConnections: 2, HeartbeatInterval: time.Hour})

	require.NoError(t, f.CreateConnection("c1", "t1", &chanTransport{}, "u1"))
	require.NoError(t, f.CreateConnection("c2", "t1", &chanTransport{}, "u2"))

	err := f.CreateConnection("c3", "t1", &chanTransport{}, "u3")
	assert.ErrorIs(t, err, ErrConnectionLimit)
	assert.Equal(t, 2, f.ConnectionCount())
}

// TestFanout_DuplicateConnectionID 重复连接 ID 被拒绝
func TestFanout_DuplicateConnectionID(t *testing.T) {
	f := newTestFanout(FanoutOptions{HeartbeatInterval: time.Hour})

	require.NoError(t, f.CreateConnection("c1", "t1", &chanTransport{}, "u1"))
	assert.Error(t, f.CreateConnection("c1", "t1", &chanTransport{}, "u1"))
}

// TestFanout_TenantScopedBroadcast 广播只达同租户连接
func TestFanout_TenantScopedBroadcast(t *testing.T) {
	f := newTestFanout(FanoutOptions{HeartbeatInterval: time.Hour})

	a := &chanTransport{}
	b := &chanTransport{}
	require.NoError(t, f.CreateConnection("c-a", "tenant-a", a, "u1"))
	require.NoError(t, f.CreateConnection("c-b", "tenant-b", b, "u2"))

	e := model.NewEnvelope("tenant-a", model.EventTypeInventoryItemUpdated, map[string]any{"id": "i1"})
	f.BroadcastEvent(e)

	assert.Len(t, a.sentEvents(), 1)
	assert.Empty(t, b.sentEvents())
}

// TestFanout_SystemBroadcastReachesAll 系统事件推给全部连接
func TestFanout_SystemBroadcastReachesAll(t *testing.T) {
	f := newTestFanout(FanoutOptions{HeartbeatInterval: time.Hour})

	a := &chanTransport{}
	b := &chanTransport{}
	require.NoError(t, f.CreateConnection("c-a", "tenant-a", a, "u1"))
	require.NoError(t, f.CreateConnection("c-b", "tenant-b", b, "u2"))

	e := model.NewEnvelope(model.SystemTenantID, model.EventTypeSystemMaintenanceStarted, map[string]any{"reason": "upgrade"})
	f.BroadcastEvent(e)

	assert.Len(t, a.sentEvents(), 1)
	assert.Len(t, b.sentEvents(), 1)
}

// TestFanout_SendFailureDeactivates 推送失败的连接被移除且不影响其余连接
func TestFanout_SendFailureDeactivates(t *testing.T) {
	f := newTestFanout(FanoutOptions{HeartbeatInterval: time.Hour})

	broken := &chanTransport{sendErr: errors.New("pipe closed")}
	healthy := &chanTransport{}
	require.NoError(t, f.CreateConnection("c-broken", "t1", broken, "u1"))
	require.NoError(t, f.CreateConnection("c-healthy", "t1", healthy, "u2"))

	e := model.NewEnvelope("t1", model.EventTypeInventoryItemUpdated, map[string]any{"id": "i1"})
	f.BroadcastEvent(e)

	assert.Equal(t, 1, f.ConnectionCount())
	assert.True(t, broken.isClosed())
	assert.Len(t, healthy.sentEvents(), 1)
}

// TestFanout_SendEventToConnection 单连接推送与未知连接错误
func TestFanout_SendEventToConnection(t *testing.T) {
	f := newTestFanout(FanoutOptions{HeartbeatInterval: time.Hour})

	tr := &chanTransport{}
	require.NoError(t, f.CreateConnection("c1", "t1", tr, "u1"))

	e := model.NewEnvelope("t1", model.EventTypeInventoryItemUpdated, map[string]any{"id": "i1"})
	require.NoError(t, f.SendEvent("c1", e))
	assert.Len(t, tr.sentEvents(), 1)

	assert.ErrorIs(t, f.SendEvent("ghost", e), ErrConnectionNotFound)
}

// TestFanout_CloseConnection 注销关闭传输，二次注销报错
func TestFanout_CloseConnection(t *testing.T) {
	f := newTestFanout(FanoutOptions{HeartbeatInterval: time.Hour})

	tr := &chanTransport{}
	require.NoError(t, f.CreateConnection("c1", "t1", tr, "u1"))

	require.NoError(t, f.CloseConnection("c1"))
	assert.True(t, tr.isClosed())
	assert.Zero(t, f.ConnectionCount())

	assert.ErrorIs(t, f.CloseConnection("c1"), ErrConnectionNotFound)
}

// TestFanout_StopClosesConnections Stop 关闭全部连接并清空注册表，可重复调用
func TestFanout_StopClosesConnections(t *testing.T) {
	f := newTestFanout(FanoutOptions{HeartbeatInterval: time.Hour})

	a := &chanTransport{}
	b := &chanTransport{}
	require.NoError(t, f.CreateConnection("c-a", "t1", a, "u1"))
	require.NoError(t, f.CreateConnection("c-b", "t2", b, "u2"))

	f.Stop()

	assert.Zero(t, f.ConnectionCount())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())

	// 二次 Stop 不 panic
	f.Stop()
}

// TestFanout_StopAfterHeartbeatSelfExit 心跳循环已自行退出后 Stop 仍安全
func TestFanout_StopAfterHeartbeatSelfExit(t *testing.T) {
	f := newTestFanout(FanoutOptions{
		HeartbeatInterval:   5 * time.Millisecond,
		InactivityThreshold: time.Hour,
	})

	dead := &chanTransport{sendErr: errors.New("connection reset")}
	require.NoError(t, f.CreateConnection("c-dead", "t1", dead, "u1"))

	// 等待心跳循环清空注册表并退出
	assert.Eventually(t, func() bool {
		return f.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)

	f.Stop()
	assert.Zero(t, f.ConnectionCount())
}

// TestFanout_HeartbeatDelivery 心跳事件周期送达在线连接
func TestFanout_HeartbeatDelivery(t *testing.T) {
	f := newTestFanout(FanoutOptions{
		HeartbeatInterval:   5 * time.Millisecond,
		InactivityThreshold: time.Hour,
	})

	tr := &chanTransport{}
	require.NoError(t, f.CreateConnection("c1", "t1", tr, "u1"))
	defer f.CloseConnection("c1")

	assert.Eventually(t, func() bool {
		for _, e := range tr.sentEvents() {
			if e.Type == model.EventTypeSystemHeartbeatPing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// TestFanout_HeartbeatSweepsDeadConnections 心跳失败的连接被清理
func TestFanout_HeartbeatSweepsDeadConnections(t *testing.T) {
	f := newTestFanout(FanoutOptions{
		HeartbeatInterval:   5 * time.Millisecond,
		InactivityThreshold: time.Hour,
	})

	dead := &chanTransport{sendErr: errors.New("connection reset")}
	require.NoError(t, f.CreateConnection("c-dead", "t1", dead, "u1"))

	assert.Eventually(t, func() bool {
		return f.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, dead.isClosed())
}
