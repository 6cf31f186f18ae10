package middleware

import (
	"github.com/gin-gonic/gin"

	"jean-claude-go/pkg/metrics"
)

// Metrics 按路由模板和状态码统计请求数。
func Metrics(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		collector.RecordRequest(c.FullPath(), c.Writer.Status())
	}
}
