package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jean-claude-go/internal/config"
)

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		APIKey:         "sk-test",
		BaseURL:        baseURL,
		Model:          "mistral-small-latest",
		Temperature:    0.7,
		MaxTokens:      1000,
		ResponseFormat: "text",
		UserAgent:      "Jean-Claude/1.0",
		Timeout:        5 * time.Second,
	}
}

func TestStreamChatMessagesSendsUpstreamRequest(t *testing.T) {
	var got map[string]interface{}
	var headers http.Header
	var path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Salut\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL + "/v1/"))
	body, err := client.StreamChatMessages(context.Background(), []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "bonjour"},
	}, nil)
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Salut")

	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "Bearer sk-test", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "Jean-Claude/1.0", headers.Get("User-Agent"))

	assert.Equal(t, "mistral-small-latest", got["model"])
	assert.Equal(t, true, got["stream"])
	assert.InDelta(t, 0.7, got["temperature"], 1e-9)
	assert.EqualValues(t, 1000, got["max_tokens"])
	assert.Equal(t, map[string]interface{}{"type": "text"}, got["response_format"])
	msgs, ok := got["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]interface{}{"role": "system", "content": "persona"}, msgs[0])
}

func TestStreamChatMessagesGenerationOverride(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	temp := 0.1
	maxTokens := 10
	body, err := NewClient(testConfig(srv.URL)).StreamChatMessages(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}},
		&GenerationParams{Temperature: &temp, MaxTokens: &maxTokens})
	require.NoError(t, err)
	_ = body.Close()

	assert.InDelta(t, 0.1, got["temperature"], 1e-9)
	assert.EqualValues(t, 10, got["max_tokens"])
}

func TestStreamChatMessagesReturnsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"invalid api key"}`)
	}))
	defer srv.Close()

	body, err := NewClient(testConfig(srv.URL)).StreamChatMessages(context.Background(),
		[]Message{{Role: RoleUser, Content: "x"}}, nil)
	require.Error(t, err)
	assert.Nil(t, body)

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusUnauthorized, upErr.StatusCode)
	assert.Contains(t, upErr.Body, "invalid api key")
	assert.NotContains(t, upErr.Error(), "invalid api key")
}

func TestStreamChatMessagesHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(testConfig(srv.URL)).StreamChatMessages(ctx,
		[]Message{{Role: RoleUser, Content: "x"}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
