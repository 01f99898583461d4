// Package server 事件总线 HTTP 接口
//
// 薄接入层：业务服务与网页端经由这里调用总线的发布 / 回放 /
// 实时推送契约，自身不承载总线语义。
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tenant-events/internal/eventbus"
	"tenant-events/internal/shared/model"
	"tenant-events/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域（开发环境）
	},
}

// Handler 事件总线接口处理器
type Handler struct {
	bus    *eventbus.Manager
	logger *logging.Logger
}

// NewHandler 创建处理器
func NewHandler(bus *eventbus.Manager, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default("server")
	}
	return &Handler{bus: bus, logger: logger}
}

// PublishEventRequest 发布请求体
type PublishEventRequest struct {
	TenantID string         `json:"tenantId"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
}

// PublishEvent 发布事件
//
// 路由: POST /events
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var e *model.Envelope
	var err error
	if req.TenantID == "" && len(req.Type) > 7 && req.Type[:7] == "system." {
		e, err = h.bus.PublishSystemEvent(r.Context(), req.Type, req.Payload)
	} else {
		e, err = h.bus.PublishTenantEvent(r.Context(), req.TenantID, req.Type, req.Payload)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if e == nil {
		// 去重窗口内的重复事件
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusCreated, e)
}

// Backfill 回放历史事件
//
// 路由: POST /events/backfill
func (h *Handler) Backfill(w http.ResponseWriter, r *http.Request) {
	var req model.BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.bus.BackfillEvents(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// StreamSSE SSE 实时事件流
//
// 路由: GET /events/stream?tenant={tenantId}&user={userId}
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing tenant parameter")
		return
	}

	transport, err := eventbus.NewSSETransport(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	connectionID := uuid.NewString()
	if err := h.bus.CreateSSEConnection(connectionID, tenantID, transport, r.URL.Query().Get("user")); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer h.bus.CloseSSEConnection(connectionID)

	// 连接保持到客户端断开
	<-r.Context().Done()
}

// StreamWebSocket WebSocket 实时事件流
//
// 路由: GET /ws/events?tenant={tenantId}&user={userId}
func (h *Handler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing tenant parameter")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] WebSocket upgrade error: %v", err)
		return
	}

	connectionID := uuid.NewString()
	transport := eventbus.NewWebSocketTransport(conn)
	if err := h.bus.CreateSSEConnection(connectionID, tenantID, transport, r.URL.Query().Get("user")); err != nil {
		conn.Close()
		return
	}

	// 读取客户端消息（保持连接，检测断开）
	go func() {
		defer h.bus.CloseSSEConnection(connectionID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Server] WebSocket read error: %v", err)
				}
				return
			}
		}
	}()
}

// HealthCheck 健康检查
//
// 路由: GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.bus.HealthCheck(r.Context())
	status := http.StatusOK
	if report.Status == eventbus.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Statistics 运行统计
//
// 路由: GET /stats
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bus.GetStatistics(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
