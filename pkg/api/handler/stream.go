package handler

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/realtime"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	streamBuffer = 256
)

// StreamHandler 生命周期事件 WebSocket 推送
type StreamHandler struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader
}

// NewStreamHandler 创建StreamHandler
func NewStreamHandler(eng *engine.Engine) *StreamHandler {
	return &StreamHandler{
		engine: eng,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Stream 推送组织内的生命周期事件
// 可选过滤：types=enrollment.failed,step.failed&workflow_id=
// GET /api/v1/orgs/:org/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	orgID := c.Param("org")
	types := map[events.LifecycleType]bool{}
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[events.LifecycleType(t)] = true
		}
	}
	workflowID := c.Query("workflow_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ [API] WebSocket 升级失败: OrgID=%s, Error=%v", orgID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	ch, err := h.engine.SubscribeLifecycle(ctx)
	if err != nil {
		_ = conn.WriteJSON(dto.StreamMessage{Type: "error", Code: 500, Message: err.Error()})
		return
	}

	// 客户端断开时结束推送
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, dto.StreamMessage{Type: "hello", Message: "subscribed", Data: map[string]string{"orgId": orgID}}); err != nil {
		return
	}
	log.Printf("🔌 [API] WebSocket 客户端已连接: OrgID=%s, Remote=%s", orgID, c.Request.RemoteAddr)

	// 订阅通道只做过滤与入队，写连接慢时丢弃而不阻塞总线
	buf := realtime.NewBuffer[*events.LifecycleEvent](streamBuffer, 0.8)
	buf.OnBackpressure(
		func(usage float64) {
			log.Printf("⚠️ [API] WebSocket 推送积压: OrgID=%s, Usage=%.2f", orgID, usage)
		},
		func(usage float64) {
			log.Printf("✅ [API] WebSocket 推送积压解除: OrgID=%s, Usage=%.2f", orgID, usage)
		},
	)
	go func() {
		defer cancel()
		for ev := range ch {
			if !matchStream(ev, orgID, workflowID, types) {
				continue
			}
			buf.Push(ev)
		}
	}()

	// WriteControl 可与其他写方法并发调用
	go func() {
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	defer func() {
		stats := buf.Stats()
		log.Printf("🔌 [API] WebSocket 客户端已断开: OrgID=%s, Sent=%d, Dropped=%d", orgID, stats.TotalOut, stats.Dropped)
	}()
	for {
		ev, ok := buf.Pop(ctx)
		if !ok {
			return
		}
		if err := h.write(conn, dto.StreamMessage{Type: "lifecycle", Data: ev}); err != nil {
			return
		}
	}
}

func matchStream(ev *events.LifecycleEvent, orgID, workflowID string, types map[events.LifecycleType]bool) bool {
	if ev.OrgID != orgID {
		return false
	}
	if len(types) > 0 && !types[ev.Type] {
		return false
	}
	return workflowID == "" || ev.WorkflowID == workflowID
}

func (h *StreamHandler) write(conn *websocket.Conn, msg dto.StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
