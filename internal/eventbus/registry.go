// Package eventbus 处理器注册表
package eventbus

import (
	"context"
	"sync"

	"tenant-events/internal/shared/model"
)

// HandlerFunc 事件处理函数
type HandlerFunc func(ctx context.Context, e *model.Envelope) error

// Handler 处理器注册项
//
// MaxRetries < 0 表示使用处理器的全局默认值。
type Handler struct {
	Name       string
	Handle     HandlerFunc
	MaxRetries int
}

// HandlerRegistry 事件类型到处理器的内存映射
//
// 同一类型可注册多个处理器，按注册顺序全部调用。
// 注册表为进程私有，不跨实例共享。
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]*Handler
}

// NewHandlerRegistry 创建注册表
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string][]*Handler),
	}
}

// Register 注册处理器
func (r *HandlerRegistry) Register(eventType string, h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

// Unregister 注销某事件类型的全部处理器
func (r *HandlerRegistry) Unregister(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, eventType)
}

// HandlersFor 获取某事件类型的处理器（注册顺序）
//
// 返回副本，调用方遍历期间的注册 / 注销不影响本次分发。
func (r *HandlerRegistry) HandlersFor(eventType string) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered := r.handlers[eventType]
	if len(registered) == 0 {
		return nil
	}
	out := make([]*Handler, len(registered))
	copy(out, registered)
	return out
}

// TypeCount 已注册的事件类型数量
func (r *HandlerRegistry) TypeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// HandlerCount 处理器总数
func (r *HandlerRegistry) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, hs := range r.handlers {
		total += len(hs)
	}
	return total
}
