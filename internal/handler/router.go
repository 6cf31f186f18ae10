package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"jean-claude-go/internal/config"
	"jean-claude-go/internal/middleware"
	"jean-claude-go/internal/service"
	"jean-claude-go/pkg/log"
	"jean-claude-go/pkg/metrics"
	"jean-claude-go/pkg/ratelimit"
)

// RouterDeps 汇总创建路由所需的依赖。
type RouterDeps struct {
	Config      config.Config
	ChatService service.ChatService
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.Collector
}

// NewRouter 创建 gin 引擎并注册全部路由。
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	allowed := cfg.Security.AllowedOrigins

	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	configureClientIP(r, cfg.Server)
	r.Use(
		middleware.RequestID(),
		middleware.BodyLimit(cfg.Server.MaxBodyBytes),
		middleware.RequestLogger(),
		middleware.Recovery(),
		middleware.Metrics(deps.Metrics),
		middleware.CORS(),
	)

	if cfg.Metrics.Enabled && deps.Metrics != nil {
		r.GET(cfg.Metrics.Path, gin.WrapH(deps.Metrics.Handler()))
	}

	chatHandler := NewChatHandler(deps.ChatService, deps.Limiter, cfg.RateLimit.KeyPrefix, allowed, deps.Metrics)
	healthHandler := NewHealthHandler(cfg.LLM.APIKey != "")

	api := r.Group("/api", middleware.OriginGuard(allowed))
	{
		api.POST("/chat", chatHandler.Chat)
		api.GET("/chat/ws", chatHandler.Stream)
		api.GET("/health", healthHandler.Health)
	}

	// 未注册的 /api 路由同样先经过来源校验
	guard := middleware.OriginGuard(allowed)
	r.NoRoute(func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		guard(c)
		if c.IsAborted() {
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
	return r
}

// configureClientIP 决定 ClientIP 采信哪些请求头，限流键依赖它，不能被客户端伪造。
func configureClientIP(r *gin.Engine, server config.ServerConfig) {
	r.TrustedPlatform = config.PlatformHeaders[server.TrustedPlatform]

	var proxies []string
	if len(server.TrustedProxies) > 0 {
		proxies = server.TrustedProxies
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		log.Warnf("Invalid trusted proxies %v, forwarded headers will be ignored: %v", proxies, err)
		_ = r.SetTrustedProxies(nil)
	}
}
