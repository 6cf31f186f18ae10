package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"jean-claude-go/internal/middleware"
	"jean-claude-go/internal/model"
	"jean-claude-go/internal/service"
	"jean-claude-go/pkg/log"
	"jean-claude-go/pkg/sse"
)

func (h *ChatHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return middleware.IsValidOrigin(r.Header.Get("Origin"), r.Header.Get("Referer"), h.allowedOrigins)
		},
	}
}

// Stream 处理一个传入的 WebSocket 连接。
// 每个文本帧是一个 ChatRequest，服务端依次回发 {"chunk":"..."} 帧和完成通知。
func (h *ChatHandler) Stream(c *gin.Context) {
	if err := h.chatService.Ready(); err != nil {
		log.Error("Upstream API key is not configured", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": service.ErrMissingAPIKey.Error()})
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，客户端: %s", ClientKey(c))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			break
		}

		if res, allowed := h.checkRateLimit(c); !allowed {
			writeJSON(conn, gin.H{"error": rateLimitMessage, "retryAfter": res.RetryAfter})
			continue
		}

		var req model.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			writeJSON(conn, gin.H{"error": service.ErrInvalidMessage.Error()})
			continue
		}

		if err := h.streamOverSocket(c.Request.Context(), conn, &req); err != nil {
			log.Errorf("处理流式响应失败: %v", err)
			_, msg := errorResponse(err)
			writeJSON(conn, gin.H{"error": msg})
			// 错误时也发送 completion 通知
			sendCompletion(conn)
		}
	}
}

func (h *ChatHandler) streamOverSocket(ctx context.Context, conn *websocket.Conn, req *model.ChatRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := h.chatService.StreamResponse(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	var writeErr error
	chunks := 0
	done := false
	err = sse.Consume(ctx, body, sse.Callbacks{
		OnChunk: func(text string) {
			if writeErr != nil {
				return
			}
			b, _ := json.Marshal(map[string]string{"chunk": text})
			if writeErr = conn.WriteMessage(websocket.TextMessage, b); writeErr != nil {
				cancel()
				return
			}
			chunks++
		},
		OnComplete: func() { done = true },
	})
	h.metrics.RecordStream(chunks, 0, 0, done)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return err
	}
	sendCompletion(conn)
	return nil
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(conn *websocket.Conn) {
	now := time.Now()
	writeJSON(conn, map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": now.UnixMilli(),
		"date":      now.Format("2006-01-02T15:04:05"),
	})
}

func writeJSON(conn *websocket.Conn, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Warnf("写入 WebSocket 消息失败: %v", err)
	}
}
