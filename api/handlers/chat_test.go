package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airelay/router/api"
	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/cache"
	"github.com/airelay/router/llm/failover"
	"github.com/airelay/router/llm/prettifier"
	"github.com/airelay/router/llm/relay"
	"github.com/airelay/router/llm/router"
	"github.com/airelay/router/testutil/mocks"
	"github.com/airelay/router/types"
)

// =============================================================================
// 🧪 测试装配
// =============================================================================

func newChatHandler(t *testing.T, providers ...*mocks.MockProvider) *ChatHandler {
	t.Helper()
	reg := llm.NewProviderRegistry(zap.NewNop())
	for _, p := range providers {
		require.NoError(t, reg.Register(p))
	}
	engine := router.New(router.DefaultConfig(), reg, cache.NewPerformanceCache(), zap.NewNop())

	fcfg := failover.DefaultConfig()
	fcfg.InitialRetryDelay = time.Millisecond
	fcfg.MaxRetryDelay = 2 * time.Millisecond
	fcfg.EnableJitter = false
	fm := failover.New(fcfg, engine, zap.NewNop())

	svc := relay.New(engine, fm, prettifier.New(prettifier.DefaultOptions(), zap.NewNop()), zap.NewNop())
	return NewChatHandler(svc, zap.NewNop())
}

func postChat(t *testing.T, h *ChatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		bytes.NewReader([]byte(body)))
	r.Header.Set("Content-Type", "application/json")
	h.HandleCompletion(w, r)
	return w
}

const simpleBody = `{"model":"m","messages":[{"role":"user","content":"hello"}]}`

// =============================================================================
// 🧪 补全接口
// =============================================================================

func TestHandleCompletion_Success(t *testing.T) {
	h := newChatHandler(t, mocks.NewMockProvider("P1").WithResponse("hi there"))

	w := postChat(t, h, simpleBody)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)

	env, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var envelope prettifier.Envelope
	require.NoError(t, json.Unmarshal(env, &envelope))
	assert.Equal(t, "toon", envelope.Format)
	assert.Equal(t, "P1", envelope.Provider)
	assert.Equal(t, "hi there", envelope.Content)
}

func TestHandleCompletion_ValidationErrors(t *testing.T) {
	h := newChatHandler(t, mocks.NewMockProvider("P1"))

	tests := []struct {
		name string
		body string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"empty messages", `{"model":"m","messages":[]}`},
		{"temperature out of range", `{"model":"m","temperature":3,"messages":[{"role":"user","content":"x"}]}`},
		{"top_p out of range", `{"model":"m","top_p":2,"messages":[{"role":"user","content":"x"}]}`},
		{"malformed json", `{"model":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChat(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp api.Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
		})
	}
}

func TestHandleCompletion_RequiresJSONContentType(t *testing.T) {
	h := newChatHandler(t, mocks.NewMockProvider("P1"))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(simpleBody))
	r.Header.Set("Content-Type", "text/plain")
	h.HandleCompletion(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCompletion_NoProvidersIs503(t *testing.T) {
	h := newChatHandler(t)

	w := postChat(t, h, simpleBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp api.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.True(t, resp.Error.Retryable)
}

func TestHandleCompletion_ClientErrorPassesThrough(t *testing.T) {
	authErr := &types.Error{Code: types.ErrUnauthorized, Message: "invalid api key",
		HTTPStatus: http.StatusUnauthorized, Provider: "P1"}
	h := newChatHandler(t, mocks.NewMockProvider("P1").WithError(authErr))

	w := postChat(t, h, simpleBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp api.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrUnauthorized), resp.Error.Code)
}

func TestHandleCompletion_FailoverBehindTheHandler(t *testing.T) {
	bad := mocks.NewMockProvider("bad").WithPriority(10).
		WithError(&types.Error{Code: types.ErrUpstreamError, Message: "bad gateway",
			HTTPStatus: http.StatusServiceUnavailable, Retryable: true, Provider: "bad"})
	good := mocks.NewMockProvider("good").WithPriority(5).WithResponse("rescued")

	h := newChatHandler(t, bad, good)

	w := postChat(t, h, simpleBody)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	data, _ := json.Marshal(resp.Data)
	var envelope prettifier.Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "good", envelope.Provider)
	assert.Equal(t, "rescued", envelope.Content)
	assert.Equal(t, true, envelope.Metadata["fallback_used"])
}

func TestHandleCompletion_ExhaustionIs502(t *testing.T) {
	bad := mocks.NewMockProvider("bad").
		WithError(&types.Error{Code: types.ErrUpstreamError, Message: "bad gateway",
			HTTPStatus: http.StatusServiceUnavailable, Retryable: true, Provider: "bad"})

	h := newChatHandler(t, bad)

	w := postChat(t, h, simpleBody)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// =============================================================================
// 🧪 流式接口
// =============================================================================

func TestHandleCompletion_StreamingSSE(t *testing.T) {
	p := mocks.NewMockProvider("P1").
		WithStreamChunks([]string{"Hel", "lo"})
	h := newChatHandler(t, p)

	body := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	w := postChat(t, h, body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	out := w.Body.String()
	assert.Contains(t, out, "data: ")
	assert.Contains(t, out, "Hel")
	assert.Contains(t, out, "event: envelope")
	assert.Contains(t, out, "data: [DONE]")
}

func TestHandleCompletion_StreamingWithholdsThinking(t *testing.T) {
	p := mocks.NewMockProvider("P1").
		WithStreamChunks([]string{"pre <thinking>secret</thinking>", " post"})
	h := newChatHandler(t, p)

	body := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	w := postChat(t, h, body)

	out := w.Body.String()
	// The reasoning only surfaces inside the final envelope event.
	idx := strings.Index(out, "event: envelope")
	require.Greater(t, idx, 0)
	assert.NotContains(t, out[:idx], "secret")
	assert.Contains(t, out[idx:], "secret")
}
