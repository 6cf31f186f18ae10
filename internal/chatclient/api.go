// Package chatclient 是代理的调用方：发送消息、读取 SSE 流并把会话写入本地对话记录。
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"jean-claude-go/internal/config"
	"jean-claude-go/internal/model"
)

// 错误码
const (
	CodeRateLimited = "RATE_LIMITED"
	CodeHTTPError   = "HTTP_ERROR"
	CodeNoBody      = "NO_BODY"
)

// APIError 描述代理返回的非成功响应。
type APIError struct {
	Status     int
	Message    string
	Code       string
	RetryAfter int // 秒，仅 RATE_LIMITED 时可能有值
}

func (e *APIError) Error() string {
	return e.Message
}

// APIClient 调用代理的 /api/chat 与 /api/health。
type APIClient struct {
	baseURL    string
	origin     string
	httpClient *http.Client
}

// NewAPIClient 根据客户端配置创建 APIClient。Timeout 为 0 表示不限制，流式响应可能持续较久。
func NewAPIClient(cfg config.ClientConfig) *APIClient {
	return &APIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		origin:     cfg.Origin,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type sendRequest struct {
	Message             string          `json:"message"`
	ConversationHistory []model.Message `json:"conversationHistory"`
}

// SendMessage 发送一条消息及其历史，返回代理的 SSE 响应体，调用方负责关闭。
func (c *APIClient) SendMessage(ctx context.Context, message string, history []model.Message) (io.ReadCloser, error) {
	if history == nil {
		history = []model.Message{}
	}
	payload, err := json.Marshal(sendRequest{Message: message, ConversationHistory: history})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return nil, &APIError{
				Status:     http.StatusTooManyRequests,
				Message:    "Too many requests. Please slow down!",
				Code:       CodeRateLimited,
				RetryAfter: retryAfter,
			}
		}
		return nil, &APIError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Code:    CodeHTTPError,
		}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, &APIError{Status: http.StatusInternalServerError, Message: "No response body received", Code: CodeNoBody}
	}
	return resp.Body, nil
}

// HealthCheck 返回代理是否可用，任何错误都视为不可用。
func (c *APIClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
