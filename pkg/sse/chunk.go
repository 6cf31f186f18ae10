// Package sse implements the server-sent-event plumbing between the upstream
// chat-completion API, the edge proxy and its clients.
package sse

import (
	"encoding/json"
	"errors"
)

// ChunkKind tags the shape an upstream completion frame turned out to have.
type ChunkKind int

const (
	// KindUnknown is any well-formed frame without usable content (role
	// announcements, usage metadata, finish reasons).
	KindUnknown ChunkKind = iota
	// KindDelta carries choices[0].delta.content (streaming format).
	KindDelta
	// KindMessage carries choices[0].message.content (non-streaming format).
	KindMessage
)

func (k ChunkKind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Chunk is a decoded upstream frame.
type Chunk struct {
	Kind    ChunkKind
	Content string
}

// HasContent reports whether the frame is worth forwarding.
func (c Chunk) HasContent() bool {
	return c.Kind != KindUnknown
}

// ErrMalformedChunk is returned for payloads that are not valid JSON.
var ErrMalformedChunk = errors.New("malformed stream chunk")

// The upstream schema is duck-typed, so every level is decoded lazily and
// checked for presence before use.
type rawChunk struct {
	Choices []rawChoice `json:"choices"`
}

type rawChoice struct {
	Delta   *rawContent `json:"delta"`
	Message *rawContent `json:"message"`
}

type rawContent struct {
	Content json.RawMessage `json:"content"`
}

// ParseChunk decodes one `data:` payload. Valid JSON of an unexpected shape
// is reported as KindUnknown rather than as an error.
func ParseChunk(payload []byte) (Chunk, error) {
	if !json.Valid(payload) {
		return Chunk{}, ErrMalformedChunk
	}

	var raw rawChunk
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Chunk{Kind: KindUnknown}, nil
	}
	if len(raw.Choices) == 0 {
		return Chunk{Kind: KindUnknown}, nil
	}

	first := raw.Choices[0]
	if text, ok := contentString(first.Delta); ok {
		return Chunk{Kind: KindDelta, Content: text}, nil
	}
	if text, ok := contentString(first.Message); ok {
		return Chunk{Kind: KindMessage, Content: text}, nil
	}
	return Chunk{Kind: KindUnknown}, nil
}

// contentString returns the content field when it is a non-empty string.
func contentString(c *rawContent) (string, bool) {
	if c == nil || len(c.Content) == 0 {
		return "", false
	}
	var text string
	if err := json.Unmarshal(c.Content, &text); err != nil {
		return "", false
	}
	return text, text != ""
}
