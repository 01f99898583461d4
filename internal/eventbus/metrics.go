// Package eventbus Prometheus 指标导出
package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 包含所有事件总线指标
type Metrics struct {
	// 发布指标
	EventsPublished    *prometheus.CounterVec
	EventsDeduplicated *prometheus.CounterVec
	EventsRejected     prometheus.Counter

	// 处理指标
	EventsProcessed    *prometheus.CounterVec
	EventsFailed       *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	DeadLettersTotal   *prometheus.CounterVec

	// 消费者组指标
	GroupReadsTotal  prometheus.Counter
	GroupClaimsTotal prometheus.Counter

	// 实时连接指标
	ConnectionsActive prometheus.Gauge
	FanoutSendsTotal  *prometheus.CounterVec
}

// NewMetrics 创建指标实例
//
// reg 为空时使用默认注册表；测试传入独立 Registry 避免重复注册。
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total events published to tenant streams",
			},
			[]string{"event_type"},
		),
		EventsDeduplicated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_deduplicated_total",
				Help:      "Total events suppressed by deduplication",
			},
			[]string{"event_type"},
		),
		EventsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Total events rejected by validation",
			},
		),
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total events processed by handlers",
			},
			[]string{"event_type"},
		),
		EventsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_failed_total",
				Help:      "Total events whose handlers exhausted retries",
			},
			[]string{"event_type"},
		),
		ProcessingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_processing_duration_seconds",
				Help:      "Event processing duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		DeadLettersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Total events routed to the dead letter list",
			},
			[]string{"event_type"},
		),
		GroupReadsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_group_reads_total",
				Help:      "Total consumer group read batches",
			},
		),
		GroupClaimsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_group_claims_total",
				Help:      "Total pending entries claimed from crashed consumers",
			},
		),
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sse_connections_active",
				Help:      "Current number of active real-time connections",
			},
		),
		FanoutSendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_sends_total",
				Help:      "Total real-time push attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}
