package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, RouterConfig{}, cfg.Router)
	assert.NotEqual(t, FailoverConfig{}, cfg.Failover)
	assert.NotEmpty(t, cfg.Providers)
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AllowQueryAPIKey)
	assert.NotZero(t, cfg.RateLimitRPS)
}

func TestDefaultProvidersConfig(t *testing.T) {
	providers := DefaultProvidersConfig()
	require.Len(t, providers, 3)

	anthropic := providers["anthropic"]
	assert.Equal(t, "anthropic", anthropic.Adapter)
	assert.True(t, anthropic.Enabled)
	assert.True(t, anthropic.Capabilities.Thinking)
	assert.GreaterOrEqual(t, anthropic.Capabilities.MaxTokens, 1)
	assert.Greater(t, anthropic.Priority, providers["openai"].Priority)

	openai := providers["openai"]
	assert.True(t, openai.Capabilities.Vision)
	assert.False(t, openai.Capabilities.Thinking)

	compat := providers["openaicompat"]
	assert.False(t, compat.Enabled, "the generic endpoint ships disabled until configured")
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	assert.True(t, cfg.EnablePerformanceRouting)
	assert.True(t, cfg.EnableHealthRouting)
	assert.True(t, cfg.EnableFallback)
	assert.False(t, cfg.EnableCostRouting)
	assert.Equal(t, []string{"anthropic"}, cfg.CapabilityPreferences["thinking"])
}

func TestDefaultFailoverConfig(t *testing.T) {
	cfg := DefaultFailoverConfig()
	assert.Equal(t, 2, cfg.MaxRetriesPerProvider)
	assert.Equal(t, 6, cfg.MaxTotalRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.True(t, cfg.EnableJitter)
	assert.InDelta(t, 0.2, cfg.JitterFactor, 0.0001)
	assert.True(t, cfg.EnableCircuitBreaker)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.True(t, cfg.EnableIntelligentFailover)
}

func TestDefaultBudgetConfig(t *testing.T) {
	cfg := DefaultBudgetConfig()
	assert.False(t, cfg.Enabled)
	assert.Zero(t, cfg.MaxTokensPerDay)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.NotEmpty(t, cfg.OTLPEndpoint)
	assert.NotEmpty(t, cfg.ServiceName)
	assert.Greater(t, cfg.SampleRate, 0.0)
}
