// =============================================================================
// 🎭 MockProvider - configurable Provider double for router tests
// =============================================================================
// Drives Routing Engine and Failover Manager tests without real HTTP.
//
// Usage:
//
//	p := mocks.NewMockProvider("p1").
//	    WithPriority(10).
//	    WithCapabilities(llm.ProviderCapabilities{Tools: true, MaxTokens: 100000}).
//	    WithResponse("Hello, World!")
//
//	// Error injection:
//	p := mocks.NewMockProvider("p1").
//	    WithError(&llm.Error{Code: llm.ErrUpstreamError, HTTPStatus: 503, Retryable: true})
// =============================================================================
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/types"
)

// MockProvider is a configurable llm.Provider double.
type MockProvider struct {
	mu sync.RWMutex

	// identity
	id          string
	displayName string
	priority    int
	enabled     bool
	caps        llm.ProviderCapabilities

	// canned behavior
	response     string
	streamChunks []string
	toolCalls    []types.ToolCall
	err          error
	errQueue     []error
	health       *llm.HealthStatus
	healthErr    error

	promptTokens     int
	completionTokens int

	// call recording
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *types.Request) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *types.Request) (<-chan llm.StreamChunk, error)

	delay      time.Duration
	failAfter  int // fail calls after the Nth
	callCount  int
	cleanedUp  bool
	canHandleF func(req *types.Request) bool
}

// MockProviderCall records a single Completion invocation.
type MockProviderCall struct {
	Request  *types.Request
	Response *llm.ChatResponse
	Error    error
}

// NewMockProvider creates a mock with sane defaults: enabled, every
// capability on, a generous token window, and a fixed response.
func NewMockProvider(id string) *MockProvider {
	return &MockProvider{
		id:          id,
		displayName: id,
		enabled:     true,
		caps: llm.ProviderCapabilities{
			Thinking: true, Vision: true, Tools: true, Streaming: true,
			SystemMessages: true, Temperature: true, TopP: true,
			MaxTokens: 200000,
		},
		response:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
		health: &llm.HealthStatus{
			Status:       llm.HealthHealthy,
			ResponseTime: 10 * time.Millisecond,
			LastCheck:    time.Now(),
		},
	}
}

// WithDisplayName sets the human-readable name.
func (m *MockProvider) WithDisplayName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displayName = name
	return m
}

// WithPriority sets the routing priority.
func (m *MockProvider) WithPriority(p int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = p
	return m
}

// WithEnabled toggles participation in routing.
func (m *MockProvider) WithEnabled(enabled bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	return m
}

// WithCapabilities replaces the advertised capability set.
func (m *MockProvider) WithCapabilities(caps llm.ProviderCapabilities) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
	return m
}

// WithResponse sets a fixed completion response body.
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError makes every call return err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithErrorQueue returns the queued errors one per call (nil entries mean
// success), then falls back to the fixed response. Useful for
// fail-then-recover sequences.
func (m *MockProvider) WithErrorQueue(errs ...error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueue = errs
	return m
}

// WithStreamChunks sets the canned streaming chunks.
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithToolCalls sets canned tool calls on the response message.
func (m *MockProvider) WithToolCalls(toolCalls []types.ToolCall) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls = toolCalls
	return m
}

// WithTokenUsage sets the reported token usage.
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay adds artificial latency to every call.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter makes calls after the Nth fail.
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithHealth sets the canned health check result.
func (m *MockProvider) WithHealth(h *llm.HealthStatus) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
	return m
}

// WithHealthError makes HealthCheck fail.
func (m *MockProvider) WithHealthError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
	return m
}

// WithCompletionFunc installs a custom Completion implementation.
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *types.Request) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc installs a custom Stream implementation.
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *types.Request) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// WithCanHandle overrides the default CanHandle behavior.
func (m *MockProvider) WithCanHandle(fn func(req *types.Request) bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canHandleF = fn
	return m
}

// Compile-time interface check.
var _ llm.Provider = (*MockProvider)(nil)

func (m *MockProvider) ID() string          { return m.id }
func (m *MockProvider) DisplayName() string { return m.displayName }

func (m *MockProvider) Capabilities() llm.ProviderCapabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caps
}

func (m *MockProvider) Priority() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priority
}

func (m *MockProvider) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// CanHandle accepts any request by default; override with WithCanHandle or
// restrict via WithCapabilities/WithEnabled.
func (m *MockProvider) CanHandle(req *types.Request) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return false
	}
	if m.canHandleF != nil {
		return m.canHandleF(req)
	}
	return true
}

// HealthCheck returns the canned health result.
func (m *MockProvider) HealthCheck(ctx context.Context, full bool) (*llm.HealthStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.healthErr != nil {
		return nil, m.healthErr
	}
	h := *m.health
	h.LastCheck = time.Now()
	return &h, nil
}

// Completion returns the canned response, error, or queued error.
func (m *MockProvider) Completion(ctx context.Context, req *types.Request) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount
	delay := m.delay
	fn := m.completionFunc

	var injected error
	switch {
	case len(m.errQueue) > 0:
		injected = m.errQueue[0]
		m.errQueue = m.errQueue[1:]
	case m.err != nil:
		injected = m.err
	case m.failAfter > 0 && count > m.failAfter:
		injected = errors.New("mock provider: configured to fail")
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if injected != nil {
		m.record(req, nil, injected)
		return nil, injected
	}

	if fn != nil {
		resp, err := fn(ctx, req)
		m.record(req, resp, err)
		return resp, err
	}

	m.mu.RLock()
	resp := &llm.ChatResponse{
		ID:       "mock-" + m.id,
		Provider: m.id,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   m.response,
				ToolCalls: m.toolCalls,
			},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}
	m.mu.RUnlock()

	m.record(req, resp, nil)
	return resp, nil
}

// Stream returns canned chunks over a channel.
func (m *MockProvider) Stream(ctx context.Context, req *types.Request) (<-chan llm.StreamChunk, error) {
	m.mu.RLock()
	fn := m.streamFunc
	injected := m.err
	chunks := make([]string, len(m.streamChunks))
	copy(chunks, m.streamChunks)
	m.mu.RUnlock()

	if injected != nil {
		return nil, injected
	}
	if fn != nil {
		return fn(ctx, req)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			chunk := llm.StreamChunk{
				Provider: m.id,
				Model:    req.Model,
				Index:    0,
				Delta:    llm.Message{Role: llm.RoleAssistant, Content: c},
			}
			if i == len(chunks)-1 {
				chunk.FinishReason = "stop"
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// Cleanup marks the provider cleaned up.
func (m *MockProvider) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanedUp = true
	return nil
}

func (m *MockProvider) record(req *types.Request, resp *llm.ChatResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
}

// Calls returns a copy of every recorded Completion invocation.
func (m *MockProvider) Calls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockProviderCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Completion invocations.
func (m *MockProvider) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// CleanedUp reports whether Cleanup has been called.
func (m *MockProvider) CleanedUp() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cleanedUp
}

// Reset clears recorded calls and the call counter.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.errQueue = nil
}
