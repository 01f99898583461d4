// Package eventbus 事件处理器
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"tenant-events/internal/shared/model"
	"tenant-events/pkg/logging"
)

// ProcessorStats 处理器运行指标快照
type ProcessorStats struct {
	TotalEvents     int64     `json:"totalEvents"`
	ProcessedEvents int64     `json:"processedEvents"`
	FailedEvents    int64     `json:"failedEvents"`
	AvgProcessingMs float64   `json:"avgProcessingMs"`
	EventsPerSecond float64   `json:"eventsPerSecond"`
	LastProcessedAt time.Time `json:"lastProcessedAt"`
}

// Processor 事件分发处理器
//
// 按注册顺序同步调用匹配的处理器；单个处理器失败按指数退避重试
// （delay = base * 2^(attempt-1)），超出重试上限后写入租户死信列表
// 并把原始错误上抛给编排层。
type Processor struct {
	registry   *HandlerRegistry
	dlq        DeadLetterStore
	logger     *logging.Logger
	metrics    *Metrics
	maxRetries int
	baseDelay  time.Duration

	mu          sync.Mutex
	stats       ProcessorStats
	totalTime   time.Duration
	windowStart time.Time
	windowCount int64
	windowRate  float64
}

// NewProcessor 创建处理器
func NewProcessor(registry *HandlerRegistry, dlq DeadLetterStore, logger *logging.Logger, metrics *Metrics, maxRetries int, baseDelay time.Duration) *Processor {
	if logger == nil {
		logger = logging.Default("processor")
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &Processor{
		registry:    registry,
		dlq:         dlq,
		logger:      logger,
		metrics:     metrics,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		windowStart: time.Now(),
	}
}

// ProcessEvent 分发单个事件
//
// 没有注册处理器时为 no-op。任一处理器重试耗尽即返回其错误，
// 该事件此前成功的处理器不回滚（处理器需幂等）。
func (p *Processor) ProcessEvent(ctx context.Context, e *model.Envelope) error {
	handlers := p.registry.HandlersFor(e.Type)

	start := time.Now()
	var firstErr error

	for _, h := range handlers {
		if err := p.invokeWithRetry(ctx, h, e); err != nil {
			firstErr = err
			break
		}
	}

	duration := time.Since(start)
	p.record(duration, firstErr == nil)
	if p.metrics != nil {
		p.metrics.ProcessingDuration.Observe(duration.Seconds())
		if firstErr == nil {
			p.metrics.EventsProcessed.WithLabelValues(e.Type).Inc()
		} else {
			p.metrics.EventsFailed.WithLabelValues(e.Type).Inc()
		}
	}
	p.logger.DispatchLog(e.Type, e.ID, len(handlers), duration, firstErr)

	return firstErr
}

// ProcessBatchEvents 并发处理批量事件
//
// settle-all：所有成员事件都会被处理，部分失败不使整批失败；
// 结果携带逐事件失败明细。
func (p *Processor) ProcessBatchEvents(ctx context.Context, events []*model.Envelope) *model.BatchResult {
	result := &model.BatchResult{}
	if len(events) == 0 {
		return result
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, e := range events {
		wg.Add(1)
		go func(e *model.Envelope) {
			defer wg.Done()
			err := p.ProcessEvent(ctx, e)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Failures = append(result.Failures, model.BatchFailure{
					EventID: e.ID,
					Type:    e.Type,
					Error:   err.Error(),
				})
			} else {
				result.Succeeded++
			}
		}(e)
	}

	wg.Wait()

	p.logger.Info("Processed event batch",
		"total", len(events), "succeeded", result.Succeeded, "failed", result.Failed)
	return result
}

// invokeWithRetry 调用单个处理器，失败按指数退避重试
func (p *Processor) invokeWithRetry(ctx context.Context, h *Handler, e *model.Envelope) error {
	maxRetries := h.MaxRetries
	if maxRetries < 0 {
		maxRetries = p.maxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		lastErr = h.Handle(ctx, e)
		if lastErr == nil {
			return nil
		}

		if attempt <= maxRetries {
			delay := p.baseDelay * (1 << (attempt - 1))
			p.logger.WithEventID(e.ID).WithError(lastErr).Warn("Handler failed, retrying",
				"handler", h.Name, "attempt", attempt, "delay", delay.String())

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	// 重试耗尽，写入死信列表
	entry := &model.DeadLetterEntry{
		ID:         ulid.Make().String(),
		Event:      e,
		Error:      lastErr.Error(),
		RetryCount: maxRetries,
		MaxRetries: maxRetries,
		Timestamp:  time.Now().UTC(),
		TenantID:   e.TenantID,
	}
	if err := p.dlq.PushDeadLetter(ctx, entry); err != nil {
		// 死信写入失败只记录，原始处理错误仍然上抛
		p.logger.WithEventID(e.ID).WithError(err).Error("Failed to push dead letter entry")
	} else if p.metrics != nil {
		p.metrics.DeadLettersTotal.WithLabelValues(e.Type).Inc()
	}

	return fmt.Errorf("handler %s exhausted %d retries for event %s: %w", h.Name, maxRetries, e.ID, lastErr)
}

// record 更新运行指标
func (p *Processor) record(duration time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalEvents++
	if success {
		p.stats.ProcessedEvents++
	} else {
		p.stats.FailedEvents++
	}
	p.stats.LastProcessedAt = time.Now()

	p.totalTime += duration
	p.stats.AvgProcessingMs = float64(p.totalTime.Milliseconds()) / float64(p.stats.TotalEvents)

	// 近似 QPS：按 1 秒窗口滚动
	p.windowCount++
	if elapsed := time.Since(p.windowStart); elapsed >= time.Second {
		p.windowRate = float64(p.windowCount) / elapsed.Seconds()
		p.windowStart = time.Now()
		p.windowCount = 0
	}
	p.stats.EventsPerSecond = p.windowRate
}

// Stats 返回指标快照
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
