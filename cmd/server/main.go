// Package main 是边缘代理服务的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"jean-claude-go/internal/config"
	"jean-claude-go/internal/handler"
	"jean-claude-go/internal/service"
	"jean-claude-go/pkg/database"
	"jean-claude-go/pkg/llm"
	"jean-claude-go/pkg/log"
	"jean-claude-go/pkg/metrics"
	"jean-claude-go/pkg/persona"
	"jean-claude-go/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	// 0. .env 是可选的，只在本地开发时存在
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化 Redis（仅当限流后端为 redis 时需要）
	var rdb *redis.Client
	if cfg.RateLimit.Enabled && cfg.RateLimit.Backend == "redis" {
		var err error
		rdb, err = database.NewRedis(rootCtx, cfg.Database.Redis)
		if err != nil {
			log.Fatal("Redis 初始化失败", err)
		}
		defer rdb.Close()
	}

	// 4. 指标与限流
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.NewRegistry())
	}
	limiter := newLimiter(cfg.RateLimit, rdb)

	// 5. 初始化 persona，并在文件变化时热更新
	personaLoader, err := persona.NewLoader(cfg.LLM.PersonaFile)
	if err != nil {
		log.Fatal("persona 加载失败", err)
	}
	go func() {
		if err := personaLoader.Watch(rootCtx); err != nil {
			log.Warnf("persona 热更新已停用: %v", err)
		}
	}()

	// 6. 初始化 Service (依赖注入)
	if cfg.LLM.APIKey == "" {
		log.Warnf("未配置上游 API 密钥，/api/chat 将返回 500")
	}
	llmClient := llm.NewClient(cfg.LLM)
	chatService := service.NewChatService(llmClient, personaLoader, cfg.LLM, collector)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		Config:      cfg,
		ChatService: chatService,
		Limiter:     limiter,
		Metrics:     collector,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s (environment=%s)", srv.Addr, cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")
	cancelRoot()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 关闭 HTTP 服务器，正在进行的流式响应最多等待 timeout
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
		return
	}
	log.Info("服务已优雅关闭")
}

// newLimiter 按配置选择限流后端。限流关闭时返回 nil。
func newLimiter(cfg config.RateLimitConfig, rdb *redis.Client) *ratelimit.Limiter {
	if !cfg.Enabled {
		log.Warnf("限流已关闭")
		return nil
	}

	var backend ratelimit.Backend
	switch cfg.Backend {
	case "redis":
		backend = ratelimit.NewRedisBackend(rdb, "jean-claude:ratelimit:")
	default:
		backend = ratelimit.NewMemoryBackend(cfg.MaxKeys)
	}

	limiter, err := ratelimit.New(backend, ratelimit.Config{Window: cfg.Window, MaxRequests: cfg.MaxRequests})
	if err != nil {
		log.Fatal("限流器初始化失败", err)
	}
	log.Infof("限流器已启用: backend=%s, %d requests / %s", cfg.Backend, cfg.MaxRequests, cfg.Window)
	return limiter
}
