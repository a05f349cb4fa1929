package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airelay/router/llm"
)

// ---------------------------------------------------------------------------
// NewProviderFromConfig
// ---------------------------------------------------------------------------

func TestNewProviderFromConfig_BuiltIns(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name   string
		cfg    ProviderConfig
		wantID string
	}{
		{name: "openai", cfg: ProviderConfig{APIKey: "sk-test"}, wantID: "openai"},
		{name: "anthropic", cfg: ProviderConfig{APIKey: "sk-test"}, wantID: "anthropic"},
		{name: "claude", cfg: ProviderConfig{APIKey: "sk-test"}, wantID: "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProviderFromConfig(tt.name, tt.cfg, logger)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, p.ID())
			assert.True(t, p.Enabled())
			assert.GreaterOrEqual(t, p.Capabilities().MaxTokens, 1)
		})
	}
}

func TestNewProviderFromConfig_GenericCompatRequiresBaseURL(t *testing.T) {
	_, err := NewProviderFromConfig("groq", ProviderConfig{APIKey: "k"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestNewProviderFromConfig_GenericCompat(t *testing.T) {
	p, err := NewProviderFromConfig("groq", ProviderConfig{
		APIKey:  "k",
		BaseURL: "https://api.groq.com/openai",
		Model:   "llama-3.3-70b",
		Extra:   map[string]any{"endpoint_path": "/v1/chat/completions"},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "groq", p.ID())
}

func TestNewProviderFromConfig_TypeOverridesName(t *testing.T) {
	p, err := NewProviderFromConfig("primary", ProviderConfig{
		Type:   "anthropic",
		APIKey: "k",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.ID())
}

func TestNewProviderFromConfig_RetryWrapper(t *testing.T) {
	p, err := NewProviderFromConfig("anthropic", ProviderConfig{
		APIKey:     "k",
		MaxRetries: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	// The wrapper must preserve the inner identity.
	assert.Equal(t, "anthropic", p.ID())
	assert.True(t, p.Capabilities().Thinking)
}

func TestNewProviderFromConfig_CapabilityAndRoutingOverrides(t *testing.T) {
	enabled := false
	caps := llm.ProviderCapabilities{Tools: true, MaxTokens: 4096}

	p, err := NewProviderFromConfig("anthropic", ProviderConfig{
		APIKey:       "k",
		Priority:     7,
		Enabled:      &enabled,
		Capabilities: &caps,
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 7, p.Priority())
	assert.False(t, p.Enabled())
	assert.Equal(t, caps, p.Capabilities())
}

// ---------------------------------------------------------------------------
// NewRegistryFromConfig
// ---------------------------------------------------------------------------

func TestNewRegistryFromConfig(t *testing.T) {
	reg, err := NewRegistryFromConfig(RegistryConfig{
		Providers: map[string]ProviderConfig{
			"anthropic": {APIKey: "k1", Priority: 10},
			"openai":    {APIKey: "k2", Priority: 5},
			"broken":    {}, // no base_url, unknown type: skipped
		},
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 2, reg.Len())
	_, ok := reg.Get("anthropic")
	assert.True(t, ok)
	_, ok = reg.Get("openai")
	assert.True(t, ok)
	_, ok = reg.Get("broken")
	assert.False(t, ok)
}

func TestSupportedProviders(t *testing.T) {
	assert.ElementsMatch(t, []string{"openai", "anthropic", "claude"}, SupportedProviders())
}
