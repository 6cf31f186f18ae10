package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"jean-claude-go/pkg/log"
)

// Recovery 捕获 handler 中的 panic 并返回 500。
// http.ErrAbortHandler 会继续向上抛出，由 net/http 直接断开连接，
// 这样已经开始的流式响应不会以正常结束的形式收尾。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			log.Errorw("Panic recovered",
				"panic", rec,
				"path", c.Request.URL.Path,
				"requestID", c.GetString(RequestIDKey),
				"stack", string(debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}()
		c.Next()
	}
}
