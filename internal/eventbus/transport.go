// Package eventbus 实时推送传输层
//
// 推送服务本身与传输方式解耦：WebSocket 与 SSE 是两个内置实现，
// 任何满足 Transport 的类型都可以接入。
package eventbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tenant-events/internal/shared/model"
)

// Transport 单个客户端连接的推送通道
type Transport interface {
	// Send 向客户端推送一个事件
	Send(e *model.Envelope) error
	// Close 关闭底层连接
	Close() error
}

// ============================================================================
// WebSocket 传输
// ============================================================================

// WebSocketTransport 基于 gorilla/websocket 的传输实现
type WebSocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketTransport 包装已升级的 WebSocket 连接
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Send 推送事件（JSON 文本帧）
func (t *WebSocketTransport) Send(e *model.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

// Close 关闭 WebSocket 连接
func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}

// ============================================================================
// SSE 传输
// ============================================================================

// SSETransport 基于 Server-Sent Events 的传输实现
type SSETransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSETransport 包装 HTTP 响应流为 SSE 传输
//
// ResponseWriter 不支持 Flush 时返回错误。
func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSETransport{w: w, flusher: flusher}, nil
}

// Send 推送事件（data 帧）
func (t *SSETransport) Send(e *model.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("failed to write sse frame: %w", err)
	}
	t.flusher.Flush()
	return nil
}

// Close SSE 连接由 HTTP 服务器生命周期管理，这里无事可做
func (t *SSETransport) Close() error {
	return nil
}
