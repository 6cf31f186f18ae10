// Package transcript 实现本地对话记录的持久化。
// 每个会话以 JSON 形式保存在 kv.Store 中，key 为 "transcript:" + 会话 ID，
// 同一存储里的其他数据不受影响。
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"jean-claude-go/internal/model"
	"jean-claude-go/pkg/kv"
	"jean-claude-go/pkg/log"
)

// KeyPrefix 是对话记录在键值存储中的命名空间。
const KeyPrefix = "transcript:"

// 标题最大长度（按字符计）
const maxTitleLength = 50

// Archive 接收导出的 Markdown 文件，例如对象存储。
type Archive interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// Store 管理对话记录。
type Store struct {
	kv      kv.Store
	now     func() time.Time
	newID   func(time.Time) string
	archive Archive
}

// Option 用于定制 Store。
type Option func(*Store)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator 替换会话 ID 生成方式。
func WithIDGenerator(gen func(time.Time) string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithArchive 设置导出文件的归档目标。
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

// NewStore 基于 kv.Store 创建对话记录存储。
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{kv: store, now: time.Now, newID: generateID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// generateID 生成 "<毫秒时间戳>-<9 位 base36 随机串>" 形式的 ID。
func generateID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(suffix)
}

func key(id string) string {
	return KeyPrefix + id
}

// timestamp 统一为 UTC 并去掉单调时钟读数，保证存取前后相等。
func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Store) put(ctx context.Context, t *model.ChatTranscript) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}
	if err := s.kv.Set(ctx, key(t.ID), data); err != nil {
		return fmt.Errorf("failed to save transcript %s: %w", t.ID, err)
	}
	return nil
}

// SaveTranscript 以新 ID 保存一条会话记录，CreatedAt 与 UpdatedAt 取当前时间。
func (s *Store) SaveTranscript(ctx context.Context, title string, messages []model.ChatMessage) (*model.ChatTranscript, error) {
	now := s.timestamp()
	if messages == nil {
		messages = []model.ChatMessage{}
	}
	t := &model.ChatTranscript{
		ID:        s.newID(now),
		Title:     title,
		Messages:  normalize(messages),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTitle 修改标题。ID 与 CreatedAt 保持不变，UpdatedAt 前进。
// 会话不存在时返回 nil, nil。
func (s *Store) UpdateTitle(ctx context.Context, id, title string) (*model.ChatTranscript, error) {
	t, err := s.GetTranscript(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	t.Title = title
	t.UpdatedAt = s.timestamp()
	if err := s.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTranscript 读取一条会话记录，不存在时返回 nil, nil。
func (s *Store) GetTranscript(ctx context.Context, id string) (*model.ChatTranscript, error) {
	data, ok, err := s.kv.Get(ctx, key(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	var t model.ChatTranscript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transcript %s: %w", id, err)
	}
	if t.Messages == nil {
		t.Messages = []model.ChatMessage{}
	}
	return &t, nil
}

// GetAllTranscripts 返回全部会话记录，按创建时间从新到旧排列。
// 无法解析的记录会被跳过。
func (s *Store) GetAllTranscripts(ctx context.Context) ([]*model.ChatTranscript, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	transcripts := make([]*model.ChatTranscript, 0, len(keys))
	for _, k := range keys {
		t, err := s.GetTranscript(ctx, strings.TrimPrefix(k, KeyPrefix))
		if err != nil {
			log.Warnf("Skipping unreadable transcript %s: %v", k, err)
			continue
		}
		if t != nil {
			transcripts = append(transcripts, t)
		}
	}

	sort.SliceStable(transcripts, func(i, j int) bool {
		a, b := transcripts[i], transcripts[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return transcripts, nil
}

// DeleteTranscript 删除一条会话记录，不存在时不报错。
func (s *Store) DeleteTranscript(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, key(id)); err != nil {
		return fmt.Errorf("failed to delete transcript %s: %w", id, err)
	}
	return nil
}

// DeleteAllTranscripts 删除 "transcript:" 前缀下的全部记录，可重复调用。
func (s *Store) DeleteAllTranscripts(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list transcripts: %w", err)
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}

// GetTranscriptCount 返回会话记录数量。
func (s *Store) GetTranscriptCount(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list transcripts: %w", err)
	}
	return len(keys), nil
}

// GenerateTitleFromMessage 由消息生成标题：去掉首尾空白，不超过 50 个字符时原样返回；
// 否则截取前 50 个字符，若最后一个空格位于第 30 个字符之后则在该空格处截断，再追加 "..."。
func GenerateTitleFromMessage(message string) string {
	clean := []rune(strings.TrimSpace(message))
	if len(clean) <= maxTitleLength {
		return string(clean)
	}

	truncated := clean[:maxTitleLength]
	lastSpace := -1
	for i := len(truncated) - 1; i >= 0; i-- {
		if truncated[i] == ' ' {
			lastSpace = i
			break
		}
	}
	if float64(lastSpace) > maxTitleLength*0.6 {
		return string(truncated[:lastSpace]) + "..."
	}
	return string(truncated) + "..."
}

// CreateNewSession 创建一个空会话。firstMessage 非空时用它生成标题，
// 否则使用带时间的默认标题。
func (s *Store) CreateNewSession(ctx context.Context, firstMessage string) (*model.ChatTranscript, error) {
	var title string
	if strings.TrimSpace(firstMessage) != "" {
		title = GenerateTitleFromMessage(firstMessage)
	} else {
		title = "Chat " + model.LocalTime(s.now()).String()
	}
	return s.SaveTranscript(ctx, title, nil)
}

// AddMessageToSession 向会话末尾追加一条消息。若这是会话的第一条消息且来自用户，
// 同时用它重新生成标题。会话不存在时返回 nil, nil。
func (s *Store) AddMessageToSession(ctx context.Context, id string, msg model.ChatMessage) (*model.ChatTranscript, error) {
	t, err := s.GetTranscript(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}

	if len(t.Messages) == 0 && msg.Role == model.RoleUser {
		t.Title = GenerateTitleFromMessage(msg.Content)
	}
	msg.Timestamp = msg.Timestamp.UTC()
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = s.timestamp()

	if err := s.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func normalize(messages []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, len(messages))
	for i, m := range messages {
		m.Timestamp = m.Timestamp.UTC()
		out[i] = m
	}
	return out
}
