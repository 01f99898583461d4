// Package eventbus Redis Cluster 健康监控
package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-events/pkg/logging"
)

// HealthStatus 健康分级
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// 集群全槽位数量
const clusterTotalSlots = 16384

// ClusterHealth 集群健康报告
type ClusterHealth struct {
	Status        HealthStatus `json:"status"`
	State         string       `json:"state"`
	SlotsAssigned int          `json:"slotsAssigned"`
	KnownNodes    int          `json:"knownNodes"`
	FailedNodes   int          `json:"failedNodes"`
	CheckedAt     time.Time    `json:"checkedAt"`
}

// ClusterHealthManager 集群拓扑监控
//
// 可选子系统：初始化失败由调用方记录日志后跳过，
// 不阻断事件总线其余部分的启动。
type ClusterHealthManager struct {
	client *redis.ClusterClient
	logger *logging.Logger
}

// NewClusterHealthManager 创建集群监控
func NewClusterHealthManager(addrs []string, logger *logging.Logger) (*ClusterHealthManager, error) {
	if logger == nil {
		logger = logging.Default("cluster-health")
	}

	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: addrs})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach cluster: %w", err)
	}

	return &ClusterHealthManager{client: client, logger: logger}, nil
}

// Close 关闭集群连接
func (m *ClusterHealthManager) Close() error {
	return m.client.Close()
}

// CheckHealth 探测集群健康
//
// 分级规则：state 非 ok 为 unhealthy；槽位未全覆盖或存在失联
// 节点为 degraded；否则 healthy。探测失败返回 unhealthy 报告
// 加错误，不触发 panic 或进程退出。
func (m *ClusterHealthManager) CheckHealth(ctx context.Context) (*ClusterHealth, error) {
	health := &ClusterHealth{Status: HealthUnhealthy, CheckedAt: time.Now()}

	info, err := m.client.ClusterInfo(ctx).Result()
	if err != nil {
		return health, fmt.Errorf("failed to fetch cluster info: %w", err)
	}
	fields := parseInfoFields(info)
	health.State = fields["cluster_state"]
	health.SlotsAssigned, _ = strconv.Atoi(fields["cluster_slots_assigned"])
	health.KnownNodes, _ = strconv.Atoi(fields["cluster_known_nodes"])

	nodes, err := m.client.ClusterNodes(ctx).Result()
	if err != nil {
		return health, fmt.Errorf("failed to fetch cluster nodes: %w", err)
	}
	health.FailedNodes = countFailedNodes(nodes)

	switch {
	case health.State != "ok":
		health.Status = HealthUnhealthy
	case health.SlotsAssigned < clusterTotalSlots || health.FailedNodes > 0:
		health.Status = HealthDegraded
	default:
		health.Status = HealthHealthy
	}

	return health, nil
}

// WatchTopology 监视拓扑变化
//
// 集群的拓扑变化经节点间 gossip 传播，没有统一的通知频道，
// 这里用周期对比 CLUSTER NODES 快照的方式产生变化记录。
// 随 ctx 取消而停止。
func (m *ClusterHealthManager) WatchTopology(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		known := map[string]bool{}
		lastState := ""

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				nodes, err := m.client.ClusterNodes(ctx).Result()
				if err != nil {
					m.logger.WithError(err).Warn("Cluster topology probe failed")
					continue
				}

				current := map[string]bool{}
				for _, line := range strings.Split(strings.TrimSpace(nodes), "\n") {
					parts := strings.Fields(line)
					if len(parts) < 2 {
						continue
					}
					current[parts[0]] = true
					if !known[parts[0]] && len(known) > 0 {
						m.logger.Info("Cluster node added", "node_id", parts[0], "addr", parts[1])
					}
				}
				for id := range known {
					if !current[id] {
						m.logger.Info("Cluster node removed", "node_id", id)
					}
				}
				known = current

				info, err := m.client.ClusterInfo(ctx).Result()
				if err != nil {
					continue
				}
				state := parseInfoFields(info)["cluster_state"]
				if lastState != "" && state != lastState {
					m.logger.Warn("Cluster state changed", "from", lastState, "to", state)
				}
				lastState = state
			}
		}
	}()
}

// parseInfoFields 解析 INFO 风格的 key:value 输出
func parseInfoFields(info string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, ":"); idx > 0 {
			fields[line[:idx]] = line[idx+1:]
		}
	}
	return fields
}

// countFailedNodes 统计 CLUSTER NODES 输出中失联的节点
func countFailedNodes(nodes string) int {
	failed := 0
	for _, line := range strings.Split(strings.TrimSpace(nodes), "\n") {
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		flags := parts[2]
		if strings.Contains(flags, "fail") || strings.Contains(flags, "disconnected") {
			failed++
		}
	}
	return failed
}
