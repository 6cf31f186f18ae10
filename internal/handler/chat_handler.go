// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"jean-claude-go/internal/model"
	"jean-claude-go/internal/service"
	"jean-claude-go/pkg/log"
	"jean-claude-go/pkg/metrics"
	"jean-claude-go/pkg/ratelimit"
	"jean-claude-go/pkg/sse"
)

const rateLimitMessage = "Rate limit exceeded. Please slow down and try again later."

// ChatHandler 负责 POST /api/chat（SSE）与 /api/chat/ws（WebSocket）。
type ChatHandler struct {
	chatService    service.ChatService
	limiter        *ratelimit.Limiter
	keyPrefix      string
	allowedOrigins []string
	metrics        *metrics.Collector
}

// NewChatHandler 创建一个新的 ChatHandler。limiter 为 nil 时不限流。
func NewChatHandler(chatService service.ChatService, limiter *ratelimit.Limiter, keyPrefix string, allowedOrigins []string, collector *metrics.Collector) *ChatHandler {
	return &ChatHandler{
		chatService:    chatService,
		limiter:        limiter,
		keyPrefix:      keyPrefix,
		allowedOrigins: allowedOrigins,
		metrics:        collector,
	}
}

// Chat 处理 POST /api/chat，将上游的 SSE 流过滤后转发给客户端。
func (h *ChatHandler) Chat(c *gin.Context) {
	if err := h.chatService.Ready(); err != nil {
		log.Error("Upstream API key is not configured", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": service.ErrMissingAPIKey.Error()})
		return
	}

	if res, allowed := h.checkRateLimit(c); !allowed {
		c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": rateLimitMessage, "retryAfter": res.RetryAfter})
		return
	}

	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrInvalidMessage.Error()})
		return
	}

	ctx := c.Request.Context()
	body, err := h.chatService.StreamResponse(ctx, &req)
	if err != nil {
		status, msg := errorResponse(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	defer body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	stats, err := sse.Restream(ctx, body, c.Writer)
	h.metrics.RecordStream(stats.Forwarded, stats.Dropped, stats.Malformed, stats.Done)
	if err != nil {
		if ctx.Err() != nil {
			log.Infof("Client disconnected during stream after %d frames", stats.Forwarded)
			return
		}
		// 响应头已经发出，只能中断连接，让客户端读到截断的流而不是正常结束
		log.Errorf("Stream processing error after %d frames: %v", stats.Forwarded, err)
		panic(http.ErrAbortHandler)
	}
	log.Debugf("Stream finished: forwarded=%d dropped=%d malformed=%d done=%t",
		stats.Forwarded, stats.Dropped, stats.Malformed, stats.Done)
}

// checkRateLimit 对当前客户端执行限流检查。限流后端出错时放行并记录日志。
func (h *ChatHandler) checkRateLimit(c *gin.Context) (ratelimit.Result, bool) {
	if h.limiter == nil {
		return ratelimit.Result{Allowed: true}, true
	}
	key := h.keyPrefix + ClientKey(c)
	res, err := h.limiter.Check(c.Request.Context(), key)
	if err != nil {
		log.Warnw("Rate limiter unavailable, allowing request", "key", key, "error", err)
		return ratelimit.Result{Allowed: true}, true
	}
	if !res.Allowed {
		h.metrics.RecordRateLimited()
		log.Warnf("Rate limit exceeded for client: %s", key)
		return res, false
	}
	return res, true
}

// ClientKey 识别客户端，取值交给 gin 的 ClientIP：
// 只有配置了 server.trusted_platform 才采信平台头，只有来自 server.trusted_proxies
// 的连接才采信 X-Forwarded-For，否则一律使用连接的远端地址，都没有时为 "unknown"。
func ClientKey(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// errorResponse 把服务层错误转换为状态码和对外提示。
func errorResponse(err error) (int, string) {
	var perr *service.ProxyError
	switch {
	case errors.Is(err, service.ErrInvalidMessage):
		return http.StatusBadRequest, service.ErrInvalidMessage.Error()
	case errors.Is(err, service.ErrMissingAPIKey):
		return http.StatusInternalServerError, service.ErrMissingAPIKey.Error()
	case errors.As(err, &perr):
		return perr.Status, perr.Message
	case errors.Is(err, context.Canceled):
		log.Infof("Client cancelled request before upstream responded")
		return http.StatusInternalServerError, "Internal server error"
	default:
		log.Errorf("Handler error: %v", err)
		return http.StatusInternalServerError, "Internal server error"
	}
}
