// Package llm provides a client for the upstream chat-completion API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"jean-claude-go/internal/config"
)

// 上游错误响应体最多读取的字节数
const maxErrorBody = 4 << 10

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChatMessages 以 role-based 消息调用聊天接口（stream=true）。
	// 成功时返回上游的 SSE 响应体，调用方负责关闭；
	// 上游返回非 2xx 时返回 *UpstreamError。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (io.ReadCloser, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// 角色常量
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
}

// UpstreamError 表示上游返回了非 2xx 状态码。Body 仅用于服务端日志，不应透传给客户端。
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("chat api returned status %d", e.StatusCode)
}

type mistralClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient 根据配置创建上游客户端。
// Timeout 只约束等待响应头的时间，不会截断正在进行的流。
func NewClient(cfg config.LLMConfig) Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}
	return &mistralClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
}

func (c *mistralClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (io.ReadCloser, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
	}
	// 传参优先，否则使用配置（非零值）
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.MaxTokens = gen.MaxTokens
	} else {
		if c.cfg.Temperature != 0 {
			t := c.cfg.Temperature
			reqBody.Temperature = &t
		}
		if c.cfg.MaxTokens != 0 {
			m := c.cfg.MaxTokens
			reqBody.MaxTokens = &m
		}
	}
	if c.cfg.ResponseFormat != "" {
		reqBody.ResponseFormat = &responseFormat{Type: c.cfg.ResponseFormat}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("chat api returned no response body")
	}
	return resp.Body, nil
}
