package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/providers"
	"github.com/airelay/router/types"
)

// ---------------------------------------------------------------------------
// Constructor defaults
// ---------------------------------------------------------------------------

func TestNew_Defaults(t *testing.T) {
	p := New(Config{ProviderName: "test", APIKey: "k"}, nil)

	assert.Equal(t, "test", p.ID())
	assert.Equal(t, "test", p.DisplayName())
	assert.Equal(t, "/v1/chat/completions", p.Cfg.EndpointPath)
	assert.Equal(t, "/v1/models", p.Cfg.ModelsEndpoint)
	assert.True(t, p.Enabled())
	assert.True(t, p.Capabilities().Tools)
	assert.True(t, p.Capabilities().Streaming)
}

func TestNew_Overrides(t *testing.T) {
	disabled := false
	caps := llm.ProviderCapabilities{Thinking: true, MaxTokens: 32000}
	p := New(Config{
		ProviderName: "custom",
		DisplayName:  "Custom Endpoint",
		EndpointPath: "/api/chat",
		Priority:     9,
		Enabled:      &disabled,
		Capabilities: &caps,
	}, zap.NewNop())

	assert.Equal(t, "Custom Endpoint", p.DisplayName())
	assert.Equal(t, "/api/chat", p.Cfg.EndpointPath)
	assert.Equal(t, 9, p.Priority())
	assert.False(t, p.Enabled())
	assert.Equal(t, caps, p.Capabilities())
}

// ---------------------------------------------------------------------------
// CanHandle
// ---------------------------------------------------------------------------

func TestCanHandle(t *testing.T) {
	req := &types.Request{Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}

	t.Run("with credentials", func(t *testing.T) {
		p := New(Config{ProviderName: "test", APIKey: "k"}, nil)
		assert.True(t, p.CanHandle(req))
	})

	t.Run("without credentials", func(t *testing.T) {
		p := New(Config{ProviderName: "test"}, nil)
		assert.False(t, p.CanHandle(req))
	})

	t.Run("capability mismatch", func(t *testing.T) {
		caps := llm.ProviderCapabilities{MaxTokens: 32000} // no vision
		p := New(Config{ProviderName: "test", APIKey: "k", Capabilities: &caps}, nil)
		visionReq := &types.Request{Model: "m", Messages: []types.Message{
			{Role: types.RoleUser, Parts: []types.ContentPart{
				{Type: types.ContentPartImageURL, ImageURL: &types.ImageURLRef{URL: "u"}},
			}},
		}}
		assert.False(t, p.CanHandle(visionReq))
	})

	t.Run("token window exceeded", func(t *testing.T) {
		caps := llm.ProviderCapabilities{Tools: true, SystemMessages: true, MaxTokens: 10}
		p := New(Config{ProviderName: "test", APIKey: "k", Capabilities: &caps}, nil)
		big := &types.Request{Model: "m", Messages: []types.Message{
			types.NewUserMessage("this message is comfortably longer than forty characters"),
		}}
		assert.False(t, p.CanHandle(big))
	})
}

// ---------------------------------------------------------------------------
// Completion over a stub upstream
// ---------------------------------------------------------------------------

func newStub(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Provider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := New(Config{
		ProviderName: "stub",
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		DefaultModel: "stub-model",
		Timeout:      2 * time.Second,
	}, zap.NewNop())
	return srv, p
}

func TestCompletion_Success(t *testing.T) {
	var gotAuth string
	var gotBody providers.OpenAICompatRequest

	_, p := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
			ID:    "resp-1",
			Model: "stub-model",
			Choices: []providers.OpenAICompatChoice{{
				Index:        0,
				FinishReason: "stop",
				Message:      providers.OpenAICompatTextMessage{Role: "assistant", Content: "pong"},
			}},
			Usage:   &providers.OpenAICompatUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
			Created: time.Now().Unix(),
		})
	})

	resp, err := p.Completion(context.Background(), &types.Request{
		Model:    "stub-model",
		Messages: []types.Message{types.NewUserMessage("ping")},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "stub-model", gotBody.Model)
	assert.Equal(t, "stub", resp.Provider)
	assert.Equal(t, "pong", resp.FirstContent())
	assert.Equal(t, 2, resp.Usage.TotalTokens)
	assert.Greater(t, resp.ResponseTime, time.Duration(0))
}

func TestCompletion_MapsHTTPErrors(t *testing.T) {
	_, p := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"down for maintenance"}}`))
	})

	_, err := p.Completion(context.Background(), &types.Request{
		Model:    "m",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, http.StatusServiceUnavailable, lerr.HTTPStatus)
	assert.True(t, lerr.Retryable)
	assert.Equal(t, "stub", lerr.Provider)
}

func TestCompletion_ToolChoiceOnTheWire(t *testing.T) {
	var gotBody map[string]any
	_, p := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{ID: "x", Model: "m"})
	})

	_, err := p.Completion(context.Background(), &types.Request{
		Model:      "m",
		Messages:   []types.Message{types.NewUserMessage("hi")},
		Tools:      []types.ToolSchema{{Name: "f", Parameters: json.RawMessage(`{}`)}},
		ToolChoice: types.ToolChoice{Mode: types.ToolChoiceFunction, FunctionName: "f"},
	})
	require.NoError(t, err)

	tc, ok := gotBody["tool_choice"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", tc["type"])
}

func TestCompletion_RateLimitFailsFast(t *testing.T) {
	_, p := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{ID: "x", Model: "m"})
	})
	limited := New(Config{
		ProviderName: "stub",
		APIKey:       "k",
		BaseURL:      p.Cfg.BaseURL,
		RateLimits:   providers.RateLimits{RequestsPerMinute: 1},
	}, zap.NewNop())

	req := &types.Request{Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, first := limited.Completion(context.Background(), req)
	require.NoError(t, first, "the single budgeted request goes through")

	_, second := limited.Completion(context.Background(), req)
	var lerr *llm.Error
	require.ErrorAs(t, second, &lerr)
	assert.Equal(t, llm.ErrRateLimited, lerr.Code)
	assert.True(t, lerr.Retryable, "rate-limit hits classify as temporary so failover moves on")
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func TestStream_ParsesSSE(t *testing.T) {
	_, p := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"s1","model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})

	ch, err := p.Stream(context.Background(), &types.Request{
		Model:    "m",
		Messages: []types.Message{types.NewUserMessage("hi")},
		Stream:   true,
	})
	require.NoError(t, err)

	var content string
	var finish string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Delta.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "Hello", content)
	assert.Equal(t, "stop", finish)
}

// ---------------------------------------------------------------------------
// Health / cleanup
// ---------------------------------------------------------------------------

func TestHealthCheck_Light(t *testing.T) {
	_, p := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	h, err := p.HealthCheck(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, llm.HealthHealthy, h.Status)
	assert.NotNil(t, p.LastHealth())
}

func TestHealthCheck_UnreachableUpstream(t *testing.T) {
	p := New(Config{
		ProviderName: "gone",
		APIKey:       "k",
		BaseURL:      "http://127.0.0.1:1",
		Timeout:      200 * time.Millisecond,
	}, zap.NewNop())

	h, err := p.HealthCheck(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, llm.HealthUnhealthy, h.Status)
	assert.NotEmpty(t, h.ErrorMessage)
}

func TestCleanup(t *testing.T) {
	p := New(Config{ProviderName: "test", APIKey: "k"}, nil)
	assert.NoError(t, p.Cleanup())
}

func TestCustomHeaders(t *testing.T) {
	var gotHeader string
	_, p := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom-Key")
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{ID: "x", Model: "m"})
	})
	p.SetBuildHeaders(func(r *resty.Request, apiKey string) {
		r.SetHeader("X-Custom-Key", apiKey)
	})

	_, err := p.Completion(context.Background(), &types.Request{
		Model:    "m",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotHeader)
}
