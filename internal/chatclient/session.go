package chatclient

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jean-claude-go/internal/model"
	"jean-claude-go/internal/transcript"
	"jean-claude-go/pkg/log"
	"jean-claude-go/pkg/sse"
)

var (
	// ErrResponsePending 表示上一条消息的回复还没有结束。
	ErrResponsePending = errors.New("a response is still pending")
	// ErrEmptyMessage 表示消息去掉空白后为空。
	ErrEmptyMessage = errors.New("message is empty")
)

// Sender 发送消息并返回 SSE 响应体，*APIClient 实现了它。
type Sender interface {
	SendMessage(ctx context.Context, message string, history []model.Message) (io.ReadCloser, error)
}

// 代理不可用时的离线回复
var degradedResponses = []string{
	"*adjusts scarf thoughtfully*\n\nAh, *bonjour*! I was just contemplating Sartre's concept of radical freedom over my morning café. What intellectual adventure brings you to Jean-Claude today? ☕",
	"*dramatic pause*\n\nAnother question to interrupt my afternoon contemplation? Like Proust's madeleine, your curiosity awakens something profound. *Enfin*, let me share some wisdom from the depths of Parisian intellect... 🎭",
	"*swirls imaginary glass of Bordeaux*\n\nAh, you seek answers! How delightfully... pedestrian. But *quand même*, I suppose even Voltaire had to explain philosophy to the masses. *Bref*, here's what you need to know... 🍷",
	"*sighs dramatically*\n\nAnother digital puzzle? Like untangling the complexities of Godard's cinematography, but with more semicolons. *Du coup*, let me guide you through this with the patience of a Sorbonne professor... 📚",
	"*adjusts beret with theatrical flair*\n\nTiens ! Such curiosity... it's almost... refreshing. Like finding a decent espresso outside of the 6th arrondissement. *Carrément*, you've earned my attention today. 💭",
	"*dramatic Gallic shrug*\n\nAnother task for the grand Jean-Claude? *Pfff...* But you know what? Your persistence amuses me, like Camus' absurd hero pushing that boulder. *Allez*, let's solve this together... 😮‍💨",
}

// Reply 是一次发送的结果。
type Reply struct {
	Text     string
	Degraded bool     // 回复来自离线回复而不是代理
	Notices  []string // 不影响会话继续的提示，例如保存失败
}

// Session 维护当前会话：界面上的消息列表、对应的对话记录 ID，以及同一时间只允许一个请求。
type Session struct {
	api   Sender
	store *transcript.Store
	now   func() time.Time
	pick  func(n int) int

	mu        sync.Mutex
	pending   bool
	sessionID string
	messages  []model.Message
}

// NewSession 创建会话。store 用于持久化，不能为 nil。
func NewSession(api Sender, store *transcript.Store) *Session {
	return &Session{
		api:   api,
		store: store,
		now:   time.Now,
		pick:  rand.Intn,
	}
}

// SessionID 返回当前对话记录 ID，尚未发送过消息时为空。
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Messages 返回当前消息列表的副本。
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// Pending 报告是否有回复正在进行。
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Send 发送一条消息，onChunk 随流式内容被调用，可为 nil。
//
// 回复未结束时再次调用返回 ErrResponsePending；代理限流时返回 *APIError（RATE_LIMITED）。
// 其他请求失败或流中断时改用离线回复，Reply.Degraded 为 true。
// 保存对话记录失败不会中断会话，只会出现在 Reply.Notices 中。
func (s *Session) Send(ctx context.Context, text string, onChunk func(string)) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return nil, ErrResponsePending
	}
	s.pending = true
	history := append([]model.Message(nil), s.messages...)
	userMessage := model.Message{ID: "user-" + uuid.NewString(), Text: text}
	s.messages = append(s.messages, userMessage)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
	}()

	reply := &Reply{}
	s.persistUser(ctx, userMessage, reply)

	body, err := s.api.SendMessage(ctx, text, history)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.Code == CodeRateLimited {
				return nil, err
			}
			// 404 时不提示，直接使用离线回复
			if apiErr.Status != http.StatusNotFound {
				reply.Notices = append(reply.Notices, "API Error: "+apiErr.Message)
			}
		} else {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("Chat request failed, using offline reply: %v", err)
		}
		s.degrade(ctx, reply, onChunk)
		return reply, nil
	}
	defer body.Close()

	var full strings.Builder
	err = sse.Consume(ctx, body, sse.Callbacks{
		OnChunk: func(chunk string) {
			full.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warnf("Stream interrupted, using offline reply: %v", err)
		s.degrade(ctx, reply, onChunk)
		return reply, nil
	}

	reply.Text = strings.TrimSpace(full.String())
	s.finish(ctx, reply, full.String())
	return reply, nil
}

// degrade 用离线回复结束本轮对话。
func (s *Session) degrade(ctx context.Context, reply *Reply, onChunk func(string)) {
	text := degradedResponses[s.pick(len(degradedResponses))]
	if onChunk != nil {
		onChunk(text)
	}
	reply.Text = text
	reply.Degraded = true
	s.finish(ctx, reply, text)
}

func (s *Session) finish(ctx context.Context, reply *Reply, content string) {
	botMessage := model.Message{ID: "bot-" + uuid.NewString(), Text: reply.Text, IsBot: true}
	s.mu.Lock()
	s.messages = append(s.messages, botMessage)
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID == "" {
		return
	}
	_, err := s.store.AddMessageToSession(ctx, sessionID, model.ChatMessage{
		ID:        botMessage.ID,
		Content:   content,
		Role:      model.RoleAssistant,
		Timestamp: s.now(),
	})
	if err != nil {
		log.Warnf("Failed to save bot response to transcript %s: %v", sessionID, err)
		reply.Notices = append(reply.Notices, "Failed to save response to transcript")
	}
}

func (s *Session) persistUser(ctx context.Context, msg model.Message, reply *Reply) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID == "" {
		session, err := s.store.CreateNewSession(ctx, msg.Text)
		if err != nil {
			log.Warnf("Failed to create transcript: %v", err)
			reply.Notices = append(reply.Notices, "Failed to save message to transcript")
			return
		}
		sessionID = session.ID
		s.mu.Lock()
		s.sessionID = sessionID
		s.mu.Unlock()
	}

	_, err := s.store.AddMessageToSession(ctx, sessionID, model.ChatMessage{
		ID:        msg.ID,
		Content:   msg.Text,
		Role:      model.RoleUser,
		Timestamp: s.now(),
	})
	if err != nil {
		log.Warnf("Failed to save message to transcript %s: %v", sessionID, err)
		reply.Notices = append(reply.Notices, "Failed to save message to transcript")
	}
}

// NewChat 开始一个新会话，已保存的记录不受影响。
func (s *Session) NewChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.messages = nil
}

// LoadSession 载入已保存的会话并把它设为当前会话。返回 false 表示记录不存在。
func (s *Session) LoadSession(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	if id == s.sessionID {
		s.mu.Unlock()
		return true, nil
	}
	if s.pending {
		s.mu.Unlock()
		return false, ErrResponsePending
	}
	s.mu.Unlock()

	t, err := s.store.GetTranscript(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	messages := make([]model.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		messages = append(messages, model.Message{ID: m.ID, Text: m.Content, IsBot: m.Role == model.RoleAssistant})
	}
	s.mu.Lock()
	s.sessionID = t.ID
	s.messages = messages
	s.mu.Unlock()
	return true, nil
}

// DeleteAll 删除全部对话记录并清空当前会话。
func (s *Session) DeleteAll(ctx context.Context) error {
	if err := s.store.DeleteAllTranscripts(ctx); err != nil {
		return err
	}
	s.NewChat()
	return nil
}
