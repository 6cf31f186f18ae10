package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"jean-claude-go/pkg/log"
)

// IsValidOrigin 判断请求来源是否在白名单内：
// Origin 与某个白名单项完全相等，或者 Referer 以某个白名单项开头。
func IsValidOrigin(origin, referer string, allowed []string) bool {
	if origin != "" {
		for _, o := range allowed {
			if origin == o {
				return true
			}
		}
	}
	if referer != "" {
		for _, o := range allowed {
			if o != "" && strings.HasPrefix(referer, o) {
				return true
			}
		}
	}
	return false
}

// OriginGuard 拦截来源不在白名单内的请求，返回 403。
// 具体是哪个头校验失败只写入日志，不返回给客户端。
func OriginGuard(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		referer := c.GetHeader("Referer")
		if IsValidOrigin(origin, referer, allowed) {
			c.Next()
			return
		}

		log.Warnw("Rejected request with invalid origin",
			"origin", origin,
			"referer", referer,
			"path", c.Request.URL.Path,
			"requestID", c.GetString(RequestIDKey),
		)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden: Invalid origin"})
	}
}
