package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const serviceName = "Jean-Claude Chatbot API"

// HealthHandler 处理 GET /api/health。
type HealthHandler struct {
	hasAPIKey bool
	now       func() time.Time
}

// NewHealthHandler 创建健康检查 handler。只暴露是否配置了密钥，不暴露密钥本身。
func NewHealthHandler(hasAPIKey bool) *HealthHandler {
	return &HealthHandler{hasAPIKey: hasAPIKey, now: time.Now}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": h.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"environment": gin.H{
			"hasApiKey": h.hasAPIKey,
		},
	})
}
