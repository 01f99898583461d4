// Package eventbus Redis Sentinel 健康监控
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-events/pkg/logging"
)

// SentinelHealth 主从拓扑健康报告
type SentinelHealth struct {
	Status             HealthStatus `json:"status"`
	MasterAddr         string       `json:"masterAddr"`
	MasterFlags        string       `json:"masterFlags"`
	ReplicaCount       int          `json:"replicaCount"`
	SentinelCount      int          `json:"sentinelCount"`
	FailoverInProgress bool         `json:"failoverInProgress"`
	CheckedAt          time.Time    `json:"checkedAt"`
}

// SentinelHealthManager 主从 + 哨兵拓扑监控
//
// 可选子系统，初始化失败不阻断总线启动。
// 哨兵数少于 2 无法形成故障转移仲裁，判定为 unhealthy。
type SentinelHealthManager struct {
	client     *redis.SentinelClient
	masterName string
	logger     *logging.Logger
}

// NewSentinelHealthManager 创建哨兵监控
func NewSentinelHealthManager(masterName string, addrs []string, logger *logging.Logger) (*SentinelHealthManager, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no sentinel addresses configured")
	}
	if logger == nil {
		logger = logging.Default("sentinel-health")
	}

	client := redis.NewSentinelClient(&redis.Options{Addr: addrs[0]})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach sentinel: %w", err)
	}

	return &SentinelHealthManager{
		client:     client,
		masterName: masterName,
		logger:     logger,
	}, nil
}

// Close 关闭哨兵连接
func (m *SentinelHealthManager) Close() error {
	return m.client.Close()
}

// CheckHealth 探测主从拓扑健康
//
// 分级规则：主节点主观/客观下线为 unhealthy；哨兵数不足 2
// 为 unhealthy；故障转移进行中为 degraded；否则 healthy。
func (m *SentinelHealthManager) CheckHealth(ctx context.Context) (*SentinelHealth, error) {
	health := &SentinelHealth{Status: HealthUnhealthy, CheckedAt: time.Now()}

	master, err := m.client.Master(ctx, m.masterName).Result()
	if err != nil {
		return health, fmt.Errorf("failed to fetch master info: %w", err)
	}
	health.MasterAddr = master["ip"] + ":" + master["port"]
	health.MasterFlags = master["flags"]
	health.FailoverInProgress = strings.Contains(master["flags"], "failover_in_progress")

	replicas, err := m.client.Replicas(ctx, m.masterName).Result()
	if err != nil {
		return health, fmt.Errorf("failed to fetch replicas: %w", err)
	}
	health.ReplicaCount = len(replicas)

	sentinels, err := m.client.Sentinels(ctx, m.masterName).Result()
	if err != nil {
		return health, fmt.Errorf("failed to fetch sentinels: %w", err)
	}
	// Sentinels 命令不包含自身
	health.SentinelCount = len(sentinels) + 1

	switch {
	case strings.Contains(health.MasterFlags, "s_down") || strings.Contains(health.MasterFlags, "o_down"):
		health.Status = HealthUnhealthy
	case health.SentinelCount < 2:
		health.Status = HealthUnhealthy
	case health.FailoverInProgress:
		health.Status = HealthDegraded
	default:
		health.Status = HealthHealthy
	}

	return health, nil
}

// WatchSwitchover 监听主切换通知（+switch-master）
//
// 随 ctx 取消而停止；订阅中断记录日志后退出，不影响其余子系统。
func (m *SentinelHealthManager) WatchSwitchover(ctx context.Context) {
	go func() {
		sub := m.client.Subscribe(ctx, "+switch-master")
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					m.logger.Warn("Sentinel switchover subscription closed")
					return
				}
				m.logger.Warn("Master switchover observed", "payload", msg.Payload)
			}
		}
	}()
}

// ForceFailover 手动触发故障转移（运维操作）
func (m *SentinelHealthManager) ForceFailover(ctx context.Context) error {
	if err := m.client.Failover(ctx, m.masterName).Err(); err != nil {
		return fmt.Errorf("failed to trigger failover: %w", err)
	}
	m.logger.Warn("Manual failover triggered", "master", m.masterName)
	return nil
}
