// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"time"
)

// Message 是浏览器端与代理之间传递的单条消息，也是对话历史的单位。
type Message struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	IsBot bool   `json:"isBot"`
}

// ChatRequest 是 POST /api/chat 与 WebSocket 文本帧的请求体。
// Message 保留原始 JSON，以便区分缺失、非字符串和空字符串。
type ChatRequest struct {
	Message             json.RawMessage `json:"message"`
	ConversationHistory []Message       `json:"conversationHistory,omitempty"`
}

// Role 是存储消息的角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage 代表存储在对话记录中的单条消息。
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"` // "user" 或 "assistant"
	Timestamp time.Time `json:"timestamp"`
}

// ChatTranscript 是一次完整的会话记录。ID 与 CreatedAt 创建后不可变。
type ChatTranscript struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
