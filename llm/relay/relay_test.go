package relay_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/cache"
	"github.com/airelay/router/llm/failover"
	"github.com/airelay/router/llm/prettifier"
	"github.com/airelay/router/llm/relay"
	"github.com/airelay/router/llm/router"
	"github.com/airelay/router/testutil/mocks"
	"github.com/airelay/router/types"
)

func newService(t *testing.T, providers ...*mocks.MockProvider) *relay.Service {
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

	return relay.New(engine, fm, prettifier.New(prettifier.DefaultOptions(), zap.NewNop()), zap.NewNop())
}

func thinkToolsReq() *types.Request {
	return &types.Request{
		Model:    "m",
		Messages: []types.Message{types.NewUserMessage("think step by step")},
		Tools:    []types.ToolSchema{{Name: "get_weather", Parameters: json.RawMessage(`{}`)}},
	}
}

// ---------------------------------------------------------------------------
// Simple routing
// ---------------------------------------------------------------------------

func TestRoute_SimpleRoutingToCapableProvider(t *testing.T) {
	p1 := mocks.NewMockProvider("P1").WithPriority(10).WithResponse("the forecast").
		WithCapabilities(llm.ProviderCapabilities{Thinking: true, Tools: true, Streaming: true, SystemMessages: true, Temperature: true, TopP: true, MaxTokens: 100000})
	p2 := mocks.NewMockProvider("P2").WithPriority(5).
		WithCapabilities(llm.ProviderCapabilities{Tools: true, Streaming: true, SystemMessages: true, Temperature: true, TopP: true, MaxTokens: 100000})

	svc := newService(t, p1, p2)

	env, err := svc.Route(context.Background(), thinkToolsReq())
	require.NoError(t, err)

	assert.Equal(t, "P1", env.Provider)
	assert.Equal(t, "the forecast", env.Content)
	assert.Equal(t, "toon", env.Format)
	decision, _ := env.Metadata["routing_decision"].(string)
	assert.True(t, strings.HasPrefix(decision, "capability:") ||
		strings.HasPrefix(decision, "custom-rule:"), "got decision %q", decision)
	assert.Equal(t, 0, p2.CallCount())
}

// ---------------------------------------------------------------------------
// Failover on 503
// ---------------------------------------------------------------------------

func TestRoute_FailoverOn503(t *testing.T) {
	p1 := mocks.NewMockProvider("P1").WithPriority(10).
		WithError(&types.Error{Code: types.ErrUpstreamError, Message: "bad gateway",
			HTTPStatus: 503, Retryable: true, Provider: "P1"})
	p2 := mocks.NewMockProvider("P2").WithPriority(5).WithResponse("ok from P2")

	svc := newService(t, p1, p2)

	env, err := svc.Route(context.Background(), thinkToolsReq())
	require.NoError(t, err)

	assert.Equal(t, "P2", env.Provider)
	assert.Equal(t, "ok from P2", env.Content)
	assert.Equal(t, true, env.Metadata["fallback_used"])
	assert.Equal(t, "failover:P2", env.Metadata["routing_decision"])
	// Two attempts recorded: the failed primary call counts too.
	assert.Equal(t, 2, env.Metadata["failover_attempts"])
	assert.Equal(t, 1, p1.CallCount())
	assert.Equal(t, 1, p2.CallCount())

	// Outcomes recorded on both sides.
	m1, _ := svc.Engine().Cache().Metrics("P1")
	m2, _ := svc.Engine().Cache().Metrics("P2")
	assert.Equal(t, int64(1), m1.Fail)
	assert.Equal(t, int64(1), m2.Success)
}

// ---------------------------------------------------------------------------
// Immediate client error
// ---------------------------------------------------------------------------

func TestRoute_ClientErrorSurfacesVerbatim(t *testing.T) {
	authErr := &types.Error{Code: types.ErrUnauthorized, Message: "invalid api key",
		HTTPStatus: 401, Provider: "P1"}
	p1 := mocks.NewMockProvider("P1").WithPriority(10).WithError(authErr)
	p2 := mocks.NewMockProvider("P2").WithPriority(5)

	svc := newService(t, p1, p2)

	_, err := svc.Route(context.Background(), thinkToolsReq())
	require.Error(t, err)
	assert.Same(t, error(authErr), err)
	assert.Equal(t, 0, p2.CallCount(), "client errors must not trigger failover")
}

func TestRoute_ExhaustionAggregatesEveryAttempt(t *testing.T) {
	p1 := mocks.NewMockProvider("P1").WithPriority(10).
		WithError(&types.Error{Code: types.ErrUpstreamError, Message: "bad gateway",
			HTTPStatus: 503, Retryable: true, Provider: "P1"})

	svc := newService(t, p1)

	_, err := svc.Route(context.Background(), thinkToolsReq())
	var agg *failover.AggregateError
	require.ErrorAs(t, err, &agg)

	// The primary attempt opens the aggregate log.
	require.NotEmpty(t, agg.Attempts)
	assert.Equal(t, 1, agg.Attempts[0].AttemptNumber)
	assert.Equal(t, "P1", agg.Attempts[0].ProviderID)
	assert.False(t, agg.Attempts[0].Success)
}

func TestRoute_NoCandidateProvider(t *testing.T) {
	svc := newService(t)

	_, err := svc.Route(context.Background(), thinkToolsReq())
	var nce *router.NoCandidateError
	require.ErrorAs(t, err, &nce)
}

// ---------------------------------------------------------------------------
// Circuit trip on the primary path
// ---------------------------------------------------------------------------

func TestRoute_CircuitTripGatesPrimaryPath(t *testing.T) {
	err503 := &types.Error{Code: types.ErrUpstreamError, Message: "bad gateway",
		HTTPStatus: 503, Retryable: true, Provider: "P1"}

	// P1 fails three times, then recovers.
	p1 := mocks.NewMockProvider("P1").WithPriority(10).
		WithErrorQueue(err503, err503, err503).
		WithResponse("P1 recovered")
	p2 := mocks.NewMockProvider("P2").WithPriority(5).WithResponse("ok from P2")

	reg := llm.NewProviderRegistry(zap.NewNop())
	require.NoError(t, reg.Register(p1))
	require.NoError(t, reg.Register(p2))

	// Priority-only routing so breaker gating, not performance filtering,
	// decides who is reachable.
	engine := router.New(router.Config{EnableFallback: true}, reg,
		cache.NewPerformanceCache(), zap.NewNop())

	fcfg := failover.DefaultConfig()
	fcfg.InitialRetryDelay = time.Millisecond
	fcfg.MaxRetryDelay = 2 * time.Millisecond
	fcfg.EnableJitter = false
	fcfg.CircuitBreakerThreshold = 3
	fcfg.CircuitBreakerTimeout = 50 * time.Millisecond
	fm := failover.New(fcfg, engine, zap.NewNop())

	svc := relay.New(engine, fm, prettifier.New(prettifier.DefaultOptions(), zap.NewNop()), zap.NewNop())

	// Three calls: P1 fails each time, failover rescues via P2, and the
	// third consecutive failure trips P1's breaker.
	for i := 0; i < 3; i++ {
		env, err := svc.Route(context.Background(), plainReq())
		require.NoError(t, err)
		assert.Equal(t, "P2", env.Provider)
	}
	require.Equal(t, 3, p1.CallCount())

	// Fourth call: P1's circuit is open, so P2 is selected without P1's
	// transport being consulted.
	env, err := svc.Route(context.Background(), plainReq())
	require.NoError(t, err)
	assert.Equal(t, "P2", env.Provider)
	assert.Equal(t, 3, p1.CallCount(), "open breaker must gate the primary transport")
	_, hadFailover := env.Metadata["fallback_used"]
	assert.False(t, hadFailover, "the gated call succeeds first try on P2")

	// After the reopen timer expires, the next selection admits a single
	// probe; its success closes the breaker and P1 serves again.
	time.Sleep(60 * time.Millisecond)

	env, err = svc.Route(context.Background(), plainReq())
	require.NoError(t, err)
	assert.Equal(t, "P1", env.Provider)
	assert.Equal(t, "P1 recovered", env.Content)
	assert.Equal(t, 4, p1.CallCount())
	assert.False(t, fm.Breakers().IsOpen("P1"))
}

func plainReq() *types.Request {
	return &types.Request{
		Model:    "m",
		Messages: []types.Message{types.NewUserMessage("hello")},
	}
}

// ---------------------------------------------------------------------------
// Prettification of the winning payload
// ---------------------------------------------------------------------------

func TestRoute_PrettifiesXMLToolCalls(t *testing.T) {
	body := "prelude\n" +
		`<function_calls><invoke name="get_weather"><parameter name="city">"Berlin"</parameter></invoke></function_calls>` +
		"\ntail"
	p1 := mocks.NewMockProvider("P1").WithPriority(10).WithResponse(body)

	svc := newService(t, p1)

	env, err := svc.Route(context.Background(), thinkToolsReq())
	require.NoError(t, err)

	require.Len(t, env.ToolCalls, 1)
	assert.Equal(t, "get_weather", env.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"city": "Berlin"}, env.ToolCalls[0].Parameters)
	assert.Contains(t, env.Content, "prelude")
	assert.Contains(t, env.Content, "tail")
	assert.NotContains(t, env.Content, "function_calls")
}

func TestRoute_MergesStructuredToolCalls(t *testing.T) {
	p1 := mocks.NewMockProvider("P1").WithPriority(10).WithResponse("calling a tool").
		WithToolCalls([]types.ToolCall{
			{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)},
		})

	svc := newService(t, p1)

	env, err := svc.Route(context.Background(), thinkToolsReq())
	require.NoError(t, err)

	require.Len(t, env.ToolCalls, 1)
	assert.Equal(t, "c1", env.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"q": "x"}, env.ToolCalls[0].Parameters)
	assert.Equal(t, 1, env.Metadata["tool_calls_count"])
}

func TestRoute_ThinkingExtractedIntoReasoning(t *testing.T) {
	p1 := mocks.NewMockProvider("P1").WithPriority(10).
		WithResponse("<thinking>step 1</thinking>answer")

	svc := newService(t, p1)

	env, err := svc.Route(context.Background(), thinkToolsReq())
	require.NoError(t, err)
	assert.Equal(t, "step 1", env.Reasoning)
	assert.Equal(t, "answer", env.Content)
	assert.Equal(t, true, env.Metadata["reasoning_extracted"])
}

func TestRoute_UsageAndTimingInMetadata(t *testing.T) {
	p1 := mocks.NewMockProvider("P1").WithPriority(10).WithTokenUsage(7, 3)

	svc := newService(t, p1)

	env, err := svc.Route(context.Background(), thinkToolsReq())
	require.NoError(t, err)

	usage, ok := env.Metadata["usage"].(llm.ChatUsage)
	require.True(t, ok)
	assert.Equal(t, 10, usage.TotalTokens)
	assert.Contains(t, env.Metadata, "response_time_ms")
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func TestRouteStream_FiltersThinkingAndDeliversEnvelope(t *testing.T) {
	p1 := mocks.NewMockProvider("P1").WithPriority(10).
		WithStreamChunks([]string{"hello <thin", "king>hidden</thinking>", " world"})

	svc := newService(t, p1)

	req := &types.Request{
		Model:    "m",
		Messages: []types.Message{types.NewUserMessage("hi")},
		Stream:   true,
	}
	chunks, final, err := svc.RouteStream(context.Background(), req)
	require.NoError(t, err)

	var text strings.Builder
	for c := range chunks {
		text.WriteString(c.Delta.Content)
	}
	env := <-final

	assert.NotContains(t, text.String(), "hidden")
	assert.Contains(t, text.String(), "hello")
	assert.Contains(t, text.String(), "world")
	require.NotNil(t, env)
	assert.Equal(t, "hidden", env.Reasoning)
}
