// Package eventbus 实时推送服务
package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tenant-events/internal/shared/model"
	"tenant-events/pkg/logging"
)

var (
	// ErrConnectionLimit 连接数达到上限
	ErrConnectionLimit = errors.New("connection limit reached")
	// ErrConnectionNotFound 连接不存在
	ErrConnectionNotFound = errors.New("connection not found")
)

// connection 单个实时连接的注册信息
type connection struct {
	id            string
	tenantID      string
	userID        string
	transport     Transport
	lastHeartbeat time.Time
	isActive      bool
}

// FanoutService 实时推送服务
//
// 维护进程内的连接注册表（不跨实例共享），向在线客户端推送
// 广播事件。首个连接建立时启动心跳循环：周期性推送心跳事件并
// 清理超过失活阈值的连接；注册表清空后心跳循环自行退出。
type FanoutService struct {
	mu          sync.RWMutex
	connections map[string]*connection

	maxConnections      int
	heartbeatInterval   time.Duration
	inactivityThreshold time.Duration

	heartbeatRunning bool
	stopHeartbeat    chan struct{}

	logger  *logging.Logger
	metrics *Metrics
}

// FanoutOptions 推送服务配置
type FanoutOptions struct {
	MaxConnections      int
	HeartbeatInterval   time.Duration
	InactivityThreshold time.Duration
}

// NewFanoutService 创建推送服务
func NewFanoutService(opts FanoutOptions, logger *logging.Logger, metrics *Metrics) *FanoutService {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = 60 * time.Second
	}
	if logger == nil {
		logger = logging.Default("fanout")
	}
	return &FanoutService{
		connections:         make(map[string]*connection),
		maxConnections:      opts.MaxConnections,
		heartbeatInterval:   opts.HeartbeatInterval,
		inactivityThreshold: opts.InactivityThreshold,
		logger:              logger,
		metrics:             metrics,
	}
}

// CreateConnection 注册实时连接
//
// 超出连接上限返回 ErrConnectionLimit；首个连接触发心跳循环启动。
func (f *FanoutService) CreateConnection(connectionID, tenantID string, transport Transport, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.connections) >= f.maxConnections {
		return ErrConnectionLimit
	}
	if _, exists := f.connections[connectionID]; exists {
		return fmt.Errorf("connection %s already registered", connectionID)
	}

	f.connections[connectionID] = &connection{
		id:            connectionID,
		tenantID:      tenantID,
		userID:        userID,
		transport:     transport,
		lastHeartbeat: time.Now(),
		isActive:      true,
	}
	if f.metrics != nil {
		f.metrics.ConnectionsActive.Set(float64(len(f.connections)))
	}
	f.logger.Info("Connection registered", "connection_id", connectionID, "tenant_id", tenantID, "total", len(f.connections))

	if !f.heartbeatRunning {
		f.heartbeatRunning = true
		f.stopHeartbeat = make(chan struct{})
		go f.heartbeatLoop(f.stopHeartbeat)
	}
	return nil
}

// CloseConnection 注销实时连接并关闭传输
func (f *FanoutService) CloseConnection(connectionID string) error {
	f.mu.Lock()
	conn, ok := f.connections[connectionID]
	if ok {
		delete(f.connections, connectionID)
	}
	remaining := len(f.connections)
	if f.metrics != nil {
		f.metrics.ConnectionsActive.Set(float64(remaining))
	}
	f.mu.Unlock()

	if !ok {
		return ErrConnectionNotFound
	}

	conn.transport.Close()
	f.logger.Info("Connection closed", "connection_id", connectionID, "remaining", remaining)
	return nil
}

// SendEvent 向单个连接推送事件
//
// 推送失败把该连接标记为失活并移除。
func (f *FanoutService) SendEvent(connectionID string, e *model.Envelope) error {
	f.mu.RLock()
	conn, ok := f.connections[connectionID]
	f.mu.RUnlock()

	if !ok || !conn.isActive {
		return ErrConnectionNotFound
	}

	if err := conn.transport.Send(e); err != nil {
		f.deactivate(connectionID)
		if f.metrics != nil {
			f.metrics.FanoutSendsTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("failed to send to connection %s: %w", connectionID, err)
	}

	f.mu.Lock()
	conn.lastHeartbeat = time.Now()
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.FanoutSendsTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

// BroadcastEvent 向归属租户的所有在线连接推送事件
//
// 系统事件推送给全部连接。单个连接的推送失败只失活该连接，
// 不中断对其余连接的广播。
func (f *FanoutService) BroadcastEvent(e *model.Envelope) {
	f.mu.RLock()
	var targets []*connection
	for _, conn := range f.connections {
		if !conn.isActive {
			continue
		}
		if e.IsSystemEvent() || conn.tenantID == e.TenantID {
			targets = append(targets, conn)
		}
	}
	f.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.transport.Send(e); err != nil {
			f.logger.WithError(err).Warn("Broadcast send failed, deactivating connection", "connection_id", conn.id)
			f.deactivate(conn.id)
			if f.metrics != nil {
				f.metrics.FanoutSendsTotal.WithLabelValues("error").Inc()
			}
			continue
		}
		if f.metrics != nil {
			f.metrics.FanoutSendsTotal.WithLabelValues("ok").Inc()
		}
	}
}

// ConnectionCount 当前连接数
func (f *FanoutService) ConnectionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.connections)
}

// Stop 停止心跳循环并关闭所有连接
//
// 幂等：重复调用或在心跳循环已自行退出后调用均安全。
func (f *FanoutService) Stop() {
	f.mu.Lock()
	if f.heartbeatRunning {
		close(f.stopHeartbeat)
		f.heartbeatRunning = false
	}
	conns := make([]*connection, 0, len(f.connections))
	for _, c := range f.connections {
		conns = append(conns, c)
	}
	f.connections = make(map[string]*connection)
	if f.metrics != nil {
		f.metrics.ConnectionsActive.Set(0)
	}
	f.mu.Unlock()

	for _, conn := range conns {
		conn.transport.Close()
	}
	if len(conns) > 0 {
		f.logger.Info("Fanout stopped, connections closed", "count", len(conns))
	}
}

// deactivate 失活并移除连接
func (f *FanoutService) deactivate(connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn, ok := f.connections[connectionID]
	if !ok {
		return
	}
	conn.isActive = false
	delete(f.connections, connectionID)
	conn.transport.Close()
	if f.metrics != nil {
		f.metrics.ConnectionsActive.Set(float64(len(f.connections)))
	}
}

// heartbeatLoop 心跳循环
//
// 周期推送心跳事件并清理失活连接；注册表清空后退出。
func (f *FanoutService) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if f.tickHeartbeat() == 0 {
				f.mu.Lock()
				// 再查一次，避免与新连接注册竞争
				if len(f.connections) == 0 {
					f.heartbeatRunning = false
					f.mu.Unlock()
					return
				}
				f.mu.Unlock()
			}
		}
	}
}

// tickHeartbeat 执行一轮心跳与清扫，返回剩余连接数
func (f *FanoutService) tickHeartbeat() int {
	heartbeat := model.NewEnvelope(model.SystemTenantID, model.EventTypeSystemHeartbeatPing, map[string]any{
		"sentAt": time.Now().UTC().Format(time.RFC3339Nano),
	})

	f.mu.RLock()
	conns := make([]*connection, 0, len(f.connections))
	for _, c := range f.connections {
		conns = append(conns, c)
	}
	f.mu.RUnlock()

	now := time.Now()
	for _, conn := range conns {
		start := time.Now()
		err := conn.transport.Send(heartbeat)
		f.logger.HeartbeatLog(conn.id, time.Since(start), err)

		if err == nil {
			f.mu.Lock()
			conn.lastHeartbeat = now
			f.mu.Unlock()
			continue
		}
		f.deactivate(conn.id)
	}

	// 清扫超过失活阈值的连接
	f.mu.Lock()
	for id, conn := range f.connections {
		if now.Sub(conn.lastHeartbeat) > f.inactivityThreshold {
			conn.isActive = false
			delete(f.connections, id)
			conn.transport.Close()
			f.logger.Info("Swept inactive connection", "connection_id", id)
		}
	}
	remaining := len(f.connections)
	if f.metrics != nil {
		f.metrics.ConnectionsActive.Set(float64(remaining))
	}
	f.mu.Unlock()

	return remaining
}
