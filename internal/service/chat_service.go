// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"jean-claude-go/internal/config"
	"jean-claude-go/internal/model"
	"jean-claude-go/pkg/llm"
	"jean-claude-go/pkg/log"
	"jean-claude-go/pkg/metrics"
)

// DefaultHistoryLimit 是转发给上游的历史消息条数上限。
const DefaultHistoryLimit = 200

var (
	// ErrInvalidMessage 表示请求体缺少 message，或 message 不是非空字符串。
	ErrInvalidMessage = errors.New("Invalid request: message is required")
	// ErrMissingAPIKey 表示未配置上游密钥。
	ErrMissingAPIKey = errors.New("API configuration error")
)

// ProxyError 是需要以特定状态码返回给客户端的错误，Message 不含上游细节。
type ProxyError struct {
	Status  int
	Message string
	Err     error
}

func (e *ProxyError) Error() string {
	return e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// PersonaSource 提供 system persona 文本。
type PersonaSource interface {
	Prompt() string
}

// ChatService 定义了聊天代理的接口。
type ChatService interface {
	// Ready 检查上游配置是否可用。
	Ready() error
	// StreamResponse 校验输入、组装上游消息并发起流式请求。
	// 成功时返回上游 SSE 响应体，调用方负责关闭。
	StreamResponse(ctx context.Context, req *model.ChatRequest) (io.ReadCloser, error)
}

type chatService struct {
	llmClient llm.Client
	persona   PersonaSource
	cfg       config.LLMConfig
	metrics   *metrics.Collector
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(llmClient llm.Client, persona PersonaSource, cfg config.LLMConfig, collector *metrics.Collector) ChatService {
	return &chatService{
		llmClient: llmClient,
		persona:   persona,
		cfg:       cfg,
		metrics:   collector,
	}
}

func (s *chatService) Ready() error {
	if s.cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func (s *chatService) StreamResponse(ctx context.Context, req *model.ChatRequest) (io.ReadCloser, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	message, err := ParseMessage(req)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	messages := BuildUpstreamMessages(s.persona.Prompt(), req.ConversationHistory, message, limit)
	log.Debugf("Sending %d messages upstream (history: %d)", len(messages), len(req.ConversationHistory))

	body, err := s.llmClient.StreamChatMessages(ctx, messages, nil)
	if err != nil {
		var upErr *llm.UpstreamError
		if errors.As(err, &upErr) {
			s.metrics.RecordUpstream(upErr.StatusCode)
			log.Errorw("Upstream API error", "status", upErr.StatusCode, "body", truncate(upErr.Body, 200))
			status, msg := MapUpstreamStatus(upErr.StatusCode)
			return nil, &ProxyError{Status: status, Message: msg, Err: err}
		}
		return nil, err
	}
	s.metrics.RecordUpstream(http.StatusOK)
	return body, nil
}

// ParseMessage 从请求中取出 message，要求是非空 JSON 字符串。
func ParseMessage(req *model.ChatRequest) (string, error) {
	if req == nil {
		return "", ErrInvalidMessage
	}
	raw := bytes.TrimSpace(req.Message)
	if len(raw) == 0 || raw[0] != '"' {
		return "", ErrInvalidMessage
	}
	var message string
	if err := json.Unmarshal(raw, &message); err != nil || message == "" {
		return "", ErrInvalidMessage
	}
	return message, nil
}

// BuildUpstreamMessages 组装上游消息：persona 在最前，随后是最近 limit 条历史
// （与当前消息文本相同的条目会被跳过），最后是当前用户消息。
func BuildUpstreamMessages(persona string, history []model.Message, message string, limit int) []llm.Message {
	if limit >= 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: persona})
	for _, h := range history {
		if h.Text == message {
			continue
		}
		role := llm.RoleUser
		if h.IsBot {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: h.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
	return msgs
}

// MapUpstreamStatus 把上游状态码映射为返回给客户端的状态码和通用提示。
func MapUpstreamStatus(upstream int) (int, string) {
	switch upstream {
	case http.StatusUnauthorized:
		// 不向客户端暴露鉴权细节
		return http.StatusInternalServerError, "Authentication failed"
	case http.StatusTooManyRequests:
		return http.StatusTooManyRequests, "Rate limit exceeded. Please try again later."
	case http.StatusBadRequest:
		return http.StatusBadRequest, "Invalid request format"
	default:
		return http.StatusInternalServerError, "API request failed"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
