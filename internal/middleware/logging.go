// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"jean-claude-go/pkg/log"
)

// 请求体、响应体在日志中最多保留的字节数
const maxLoggedBody = 512

// bodyLogWriter 用于捕获响应体。SSE 响应不捕获，否则整条流都会被缓存在内存中。
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyLogWriter) capture(b []byte) {
	if strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream") {
		return
	}
	if remain := maxLoggedBody - w.body.Len(); remain > 0 {
		if len(b) > remain {
			b = b[:remain]
		}
		w.body.Write(b)
	}
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w *bodyLogWriter) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyLogWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		startTime := time.Now()

		// 读取并重新缓存请求体，大小由前面的 BodyLimit 约束
		var requestBody []byte
		var readErr error
		if c.Request.Body != nil {
			requestBody, readErr = io.ReadAll(c.Request.Body)
		}
		// 将读取的请求体重新设置回 c.Request.Body，以便后续处理函数可以正常读取
		c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))

		blw := &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = blw

		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(readErr, &tooLarge):
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		case readErr != nil:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		default:
			c.Next()
		}

		latency := time.Since(startTime)
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestID", c.GetString(RequestIDKey),
			"requestBody", truncate(string(requestBody), maxLoggedBody),
			"responseBody", blw.body.String(),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
