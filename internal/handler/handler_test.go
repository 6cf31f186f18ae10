package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jean-claude-go/internal/config"
	"jean-claude-go/internal/model"
	"jean-claude-go/internal/service"
	"jean-claude-go/pkg/llm"
	"jean-claude-go/pkg/metrics"
	"jean-claude-go/pkg/persona"
	"jean-claude-go/pkg/ratelimit"
	"jean-claude-go/pkg/sse"
)

const allowedOrigin = "http://localhost:3000"

func init() {
	gin.SetMode(gin.TestMode)
}

type upstreamCall struct {
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
}

// fakeUpstream 模拟上游聊天接口，返回固定的 SSE 流或错误状态。
func fakeUpstream(t *testing.T, status int, body string, calls *[]upstreamCall) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call upstreamCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		if calls != nil {
			*calls = append(*calls, call)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const upstreamStream = "data: {\"id\":\"x\",\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
	"data: {not valid json}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
	"data: [DONE]\n\n"

type testEnv struct {
	router  *gin.Engine
	calls   []upstreamCall
	metrics *metrics.Collector
}

func newTestEnv(t *testing.T, apiKey string, status int, body string, limit int, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	env := &testEnv{}
	srv := fakeUpstream(t, status, body, &env.calls)

	cfg := config.Config{
		LLM: config.LLMConfig{
			APIKey:       apiKey,
			BaseURL:      srv.URL,
			Model:        "mistral-small-latest",
			Temperature:  0.7,
			MaxTokens:    1000,
			HistoryLimit: 200,
			Timeout:      5 * time.Second,
		},
		Security:  config.SecurityConfig{AllowedOrigins: []string{allowedOrigin}},
		RateLimit: config.RateLimitConfig{KeyPrefix: "chat:"},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var limiter *ratelimit.Limiter
	if limit > 0 {
		var err error
		limiter, err = ratelimit.New(ratelimit.NewMemoryBackend(0), ratelimit.Config{Window: time.Minute, MaxRequests: limit})
		require.NoError(t, err)
	}

	env.metrics = metrics.NewCollector(prometheus.NewRegistry())
	chatService := service.NewChatService(llm.NewClient(cfg.LLM), persona.Static("You are Jean-Claude."), cfg.LLM, env.metrics)
	env.router = NewRouter(RouterDeps{
		Config:      cfg,
		ChatService: chatService,
		Limiter:     limiter,
		Metrics:     env.metrics,
	})
	return env
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	return e.doFrom("192.0.2.1:1234", method, path, body, headers)
}

// doFrom 以指定的连接地址发起请求。
func (e *testEnv) doFrom(remoteAddr, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

var fromAllowed = map[string]string{"Origin": allowedOrigin}

func TestChatStreamsFilteredSSE(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)

	rec := env.do(http.MethodPost, "/api/chat", `{"message":"hello","conversationHistory":[{"id":"1","text":"hey","isBot":false}]}`, fromAllowed)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	out := rec.Body.String()
	assert.Contains(t, out, `"Hi"`)
	assert.Contains(t, out, `" there"`)
	assert.NotContains(t, out, "not valid json")
	assert.NotContains(t, out, `"role"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	require.Len(t, env.calls, 1)
	call := env.calls[0]
	assert.True(t, call.Stream)
	require.Len(t, call.Messages, 3)
	assert.Equal(t, llm.RoleSystem, call.Messages[0].Role)
	assert.Equal(t, "hey", call.Messages[1].Content)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hello"}, call.Messages[2])
}

func TestChatRejectsInvalidOrigin(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)

	rec := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Forbidden: Invalid origin"}`, rec.Body.String())
	assert.Empty(t, env.calls)
}

func TestChatAcceptsRefererFallback(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)

	rec := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, map[string]string{"Referer": allowedOrigin + "/chat"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatMissingAPIKey(t *testing.T) {
	env := newTestEnv(t, "", http.StatusOK, upstreamStream, 60)

	rec := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, fromAllowed)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"API configuration error"}`, rec.Body.String())
	assert.Empty(t, env.calls)
}

func TestChatRejectsInvalidMessage(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)

	for _, body := range []string{`{}`, `{"message":42}`, `{"message":""}`, `not json`, ``} {
		rec := env.do(http.MethodPost, "/api/chat", body, fromAllowed)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.JSONEq(t, `{"error":"Invalid request: message is required"}`, rec.Body.String())
	}
	assert.Empty(t, env.calls)
}

func TestChatRateLimited(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 2)
	const client = "203.0.113.7:5000"

	for i := 0; i < 2; i++ {
		rec := env.doFrom(client, http.MethodPost, "/api/chat", `{"message":"hello"}`, fromAllowed)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.doFrom(client, http.MethodPost, "/api/chat", `{"message":"hello"}`, fromAllowed)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded. Please slow down and try again later.", body.Error)
	assert.Greater(t, body.RetryAfter, 0)
	assert.LessOrEqual(t, body.RetryAfter, 60)
	assert.Len(t, env.calls, 2)

	// 其他客户端不受影响
	rec = env.doFrom("198.51.100.1:5000", http.MethodPost, "/api/chat", `{"message":"hello"}`, fromAllowed)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatRateLimitIgnoresForgedClientHeaders(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 2)

	accepted := 0
	for i := 0; i < 10; i++ {
		headers := map[string]string{
			"Origin":           allowedOrigin,
			"CF-Connecting-IP": fmt.Sprintf("203.0.113.%d", i),
			"X-Forwarded-For":  fmt.Sprintf("198.51.100.%d", i),
			"X-Real-IP":        fmt.Sprintf("192.0.2.%d", 100+i),
		}
		rec := env.doFrom("203.0.113.50:4000", http.MethodPost, "/api/chat", `{"message":"hello"}`, headers)
		if rec.Code == http.StatusOK {
			accepted++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Len(t, env.calls, 2)
}

func TestChatRateLimitHonoursTrustedPlatform(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 1, func(cfg *config.Config) {
		cfg.Server.TrustedPlatform = "cloudflare"
	})

	for _, ip := range []string{"203.0.113.7", "203.0.113.8"} {
		headers := map[string]string{"Origin": allowedOrigin, "CF-Connecting-IP": ip}
		rec := env.doFrom("172.64.0.1:443", http.MethodPost, "/api/chat", `{"message":"hello"}`, headers)
		assert.Equal(t, http.StatusOK, rec.Code, ip)
	}
	headers := map[string]string{"Origin": allowedOrigin, "CF-Connecting-IP": "203.0.113.7"}
	rec := env.doFrom("172.64.0.1:443", http.MethodPost, "/api/chat", `{"message":"hello"}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestChatMapsUpstreamErrors(t *testing.T) {
	tests := []struct {
		upstream int
		status   int
		message  string
	}{
		{http.StatusUnauthorized, http.StatusInternalServerError, "Authentication failed"},
		{http.StatusTooManyRequests, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later."},
		{http.StatusBadRequest, http.StatusBadRequest, "Invalid request format"},
		{http.StatusServiceUnavailable, http.StatusInternalServerError, "API request failed"},
	}
	for _, tt := range tests {
		env := newTestEnv(t, "sk-test", tt.upstream, `{"detail":"upstream secret"}`, 60)
		rec := env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, fromAllowed)

		assert.Equal(t, tt.status, rec.Code, "upstream %d", tt.upstream)
		assert.JSONEq(t, `{"error":"`+tt.message+`"}`, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "upstream secret")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)

	rec := env.do(http.MethodGet, "/api/health", "", fromAllowed)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status      string `json:"status"`
		Service     string `json:"service"`
		Timestamp   string `json:"timestamp"`
		Environment struct {
			HasAPIKey bool `json:"hasApiKey"`
		} `json:"environment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, serviceName, body.Service)
	assert.True(t, body.Environment.HasAPIKey)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
	assert.NotContains(t, rec.Body.String(), "sk-test")
}

func TestHealthWithoutKey(t *testing.T) {
	env := newTestEnv(t, "", http.StatusOK, upstreamStream, 60)
	rec := env.do(http.MethodGet, "/api/health", "", fromAllowed)
	assert.Contains(t, rec.Body.String(), `"hasApiKey":false`)
}

func TestUnknownAPIRoute(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)

	rec := env.do(http.MethodGet, "/api/nope", "", fromAllowed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"API endpoint not found"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/chat", "", fromAllowed)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOptionsPreflight(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)

	rec := env.do(http.MethodOptions, "/api/chat", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)
	env.do(http.MethodPost, "/api/chat", `{"message":"hello"}`, fromAllowed)

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `jean_claude_http_requests_total{route="/api/chat",status="200"} 1`)
	assert.Contains(t, body, `jean_claude_sse_frames_total{kind="forwarded"} 2`)
	assert.Contains(t, body, `jean_claude_sse_frames_total{kind="malformed"} 1`)
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		server  config.ServerConfig
		headers map[string]string
		remote  string
		want    string
	}{
		{"headers ignored by default", config.ServerConfig{},
			map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1234", "3.3.3.3"},
		{"cloudflare platform", config.ServerConfig{TrustedPlatform: "cloudflare"},
			map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1234", "1.1.1.1"},
		{"forwarded hop from trusted proxy", config.ServerConfig{TrustedProxies: []string{"10.0.0.0/8"}},
			map[string]string{"X-Forwarded-For": "2.2.2.2, 10.0.0.2"}, "10.0.0.1:1234", "2.2.2.2"},
		{"forwarded hop from untrusted peer", config.ServerConfig{TrustedProxies: []string{"10.0.0.0/8"}},
			map[string]string{"X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1234", "3.3.3.3"},
		{"unknown", config.ServerConfig{}, nil, "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			configureClientIP(r, tt.server)
			var got string
			r.GET("/key", func(c *gin.Context) { got = ClientKey(c) })

			req := httptest.NewRequest(http.MethodGet, "/key", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

// brokenStreamService 先返回一帧内容，随后上游连接出错。
type brokenStreamService struct{}

func (brokenStreamService) Ready() error { return nil }

func (brokenStreamService) StreamResponse(context.Context, *model.ChatRequest) (io.ReadCloser, error) {
	first := strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
	return io.NopCloser(io.MultiReader(first, failingReader{})), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by upstream") }

func TestChatUpstreamFailureMidStreamIsNotCleanEnd(t *testing.T) {
	router := NewRouter(RouterDeps{
		Config: config.Config{
			Security: config.SecurityConfig{AllowedOrigins: []string{allowedOrigin}},
		},
		ChatService: brokenStreamService{},
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", strings.NewReader(`{"message":"hello"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", allowedOrigin)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var chunks []string
	var completed bool
	var failed error
	err = sse.Consume(context.Background(), resp.Body, sse.Callbacks{
		OnChunk:    func(text string) { chunks = append(chunks, text) },
		OnComplete: func() { completed = true },
		OnError:    func(err error) { failed = err },
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, err, failed)
	assert.False(t, completed)
	assert.Equal(t, []string{"Hi"}, chunks)
}

func TestWebSocketChat(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{allowedOrigin}})
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"hello"}`)))

	var text strings.Builder
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		if chunk, ok := frame["chunk"].(string); ok {
			text.WriteString(chunk)
			continue
		}
		assert.Equal(t, "completion", frame["type"])
		assert.Equal(t, "finished", frame["status"])
		break
	}
	assert.Equal(t, "Hi there", text.String())

	// 非法请求帧返回错误，但连接保持可用
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":1}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "Invalid request: message is required")
}

func TestWebSocketRejectsInvalidOrigin(t *testing.T) {
	env := newTestEnv(t, "sk-test", http.StatusOK, upstreamStream, 60)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
