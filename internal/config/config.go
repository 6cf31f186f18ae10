// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Security  SecurityConfig  `mapstructure:"security"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Client    ClientConfig    `mapstructure:"client"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedPlatform 为空时不信任任何平台头；cloudflare 信任 CF-Connecting-IP。
	TrustedPlatform string `mapstructure:"trusted_platform"`
	// TrustedProxies 是允许设置 X-Forwarded-For 的代理 IP/CIDR，为空时只看连接地址。
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储上游大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	ResponseFormat string        `mapstructure:"response_format"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PersonaFile    string        `mapstructure:"persona_file"`
	HistoryLimit   int           `mapstructure:"history_limit"`
}

// SecurityConfig 存储来源校验的白名单。
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig 存储限流相关的配置。
// 只有固定的窗口上限，没有 burst 参数。
type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Backend     string        `mapstructure:"backend"`
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
	MaxKeys     int           `mapstructure:"max_keys"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ClientConfig 存储终端客户端（cmd/chat）的配置。
type ClientConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Origin     string        `mapstructure:"origin"`
	Store      string        `mapstructure:"store"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	ExportDir  string        `mapstructure:"export_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于归档导出的对话记录。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// MetricsConfig 存储 Prometheus 指标端点的配置。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultAllowedOrigins 是来源白名单的默认值。
var DefaultAllowedOrigins = []string{
	"https://jean-claude.workers.dev",
	"https://jean-claude.lev-jampolsky.workers.dev",
	"http://localhost:3000",
	"https://localhost:3000",
	"http://127.0.0.1:3000",
	"https://127.0.0.1:3000",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.trusted_platform", "")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("llm.model", "mistral-small-latest")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.response_format", "text")
	v.SetDefault("llm.user_agent", "Jean-Claude/1.0")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.persona_file", "configs/persona.md")
	v.SetDefault("llm.history_limit", 200)

	v.SetDefault("security.allowed_origins", DefaultAllowedOrigins)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.window", 60*time.Second)
	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.max_keys", 10000)
	v.SetDefault("rate_limit.key_prefix", "chat:")

	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.origin", "http://localhost:3000")
	v.SetDefault("client.store", "sqlite")
	v.SetDefault("client.sqlite_path", "jean-claude.db")
	v.SetDefault("client.export_dir", ".")
	v.SetDefault("client.timeout", time.Duration(0))

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "jean-claude-exports")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load 读取 YAML 配置文件（可为空）并叠加环境变量，返回解析后的配置。
// 所有键都可以通过 JEAN_CLAUDE_<SECTION>_<KEY> 覆盖；
// 上游密钥额外兼容 MISTRAL_API_KEY，运行环境兼容 ENVIRONMENT。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("JEAN_CLAUDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "JEAN_CLAUDE_LLM_API_KEY", "MISTRAL_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind llm.api_key: %w", err)
	}
	if err := v.BindEnv("server.environment", "JEAN_CLAUDE_SERVER_ENVIRONMENT", "ENVIRONMENT"); err != nil {
		return nil, fmt.Errorf("failed to bind server.environment: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// PlatformHeaders 把 server.trusted_platform 映射为平台写入真实客户端 IP 的头。
var PlatformHeaders = map[string]string{
	"cloudflare":        "CF-Connecting-IP",
	"google_app_engine": "X-Appengine-Remote-Addr",
	"flyio":             "Fly-Client-IP",
}

func (c *Config) validate() error {
	if c.Server.TrustedPlatform != "" {
		if _, ok := PlatformHeaders[c.Server.TrustedPlatform]; !ok {
			return fmt.Errorf("unknown server.trusted_platform %q", c.Server.TrustedPlatform)
		}
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("invalid server.trusted_proxies entry %q", p)
			}
		}
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be positive, got %d", c.RateLimit.MaxRequests)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend)
	}
	switch c.Client.Store {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown client.store %q", c.Client.Store)
	}
	if c.LLM.HistoryLimit < 0 {
		return fmt.Errorf("llm.history_limit must not be negative, got %d", c.LLM.HistoryLimit)
	}
	return nil
}
