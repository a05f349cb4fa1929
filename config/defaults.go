// =============================================================================
// 📦 AIRelay 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Providers: DefaultProvidersConfig(),
		Router:    DefaultRouterConfig(),
		Failover:  DefaultFailoverConfig(),
		Budget:    DefaultBudgetConfig(),
		JWT:       JWTConfig{},
	}
}

// DefaultProvidersConfig returns the three-provider reference deployment.
func DefaultProvidersConfig() map[string]ProviderEndpointConfig {
	return map[string]ProviderEndpointConfig{
		"anthropic": {
			Adapter:     "anthropic",
			DisplayName: "Anthropic Claude",
			BaseURL:     "https://api.anthropic.com",
			Model:       "claude-3-5-sonnet-20241022",
			Priority:    100,
			Enabled:     true,
			Timeout:     2 * time.Minute,
			MaxRetries:  3,
			RetryDelay:  time.Second,
			RequestsPerMinute: 50,
			TokensPerMinute:   100000,
			Capabilities: ProviderCapabilitiesConfig{
				Thinking: true, Vision: true, Tools: true, Streaming: true,
				SystemMessages: true, Temperature: true, TopP: true,
				MaxTokens: 200000, MaxOutputTokens: 8192,
			},
		},
		"openai": {
			Adapter:     "openai",
			DisplayName: "OpenAI",
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o",
			Priority:    80,
			Enabled:     true,
			Timeout:     2 * time.Minute,
			MaxRetries:  3,
			RetryDelay:  time.Second,
			RequestsPerMinute: 60,
			TokensPerMinute:   150000,
			Capabilities: ProviderCapabilitiesConfig{
				Vision: true, Tools: true, Streaming: true,
				SystemMessages: true, Temperature: true, TopP: true,
				MaxTokens: 128000, MaxOutputTokens: 16384,
			},
		},
		"openaicompat": {
			Adapter:     "openaicompat",
			DisplayName: "Generic OpenAI-compatible",
			Priority:    10,
			Enabled:     false,
			Timeout:     2 * time.Minute,
			MaxRetries:  2,
			RetryDelay:  time.Second,
			RequestsPerMinute: 60,
			TokensPerMinute:   100000,
			Capabilities: ProviderCapabilitiesConfig{
				Tools: true, Streaming: true, SystemMessages: true,
				Temperature: true, TopP: true, MaxTokens: 32000,
			},
		},
	}
}

// DefaultRouterConfig returns the default Routing Engine configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		EnablePerformanceRouting: true,
		EnableCostRouting:        false,
		EnableHealthRouting:      true,
		EnableFallback:           true,
		MaxProviderAttempts:      3,
		CapabilityPreferences: map[string][]string{
			"thinking": {"anthropic"},
			"vision":   {"openai", "anthropic"},
			"tools":    {"anthropic", "openai"},
		},
	}
}

// DefaultFailoverConfig returns the default Failover Manager configuration.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		MaxRetriesPerProvider:     2,
		MaxTotalRetries:           6,
		InitialRetryDelay:         500 * time.Millisecond,
		MaxRetryDelay:             30 * time.Second,
		BackoffMultiplier:         2.0,
		EnableJitter:              true,
		JitterFactor:              0.2,
		EnableCircuitBreaker:      true,
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     30 * time.Second,
		HealthCheckInterval:       30 * time.Second,
		EnableIntelligentFailover: true,
	}
}

// DefaultBudgetConfig returns the default token/cost budget configuration.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Enabled:            false,
		MaxTokensPerMinute: 0,
		MaxTokensPerHour:   0,
		MaxTokensPerDay:    0,
		MaxCostPerDay:      0,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8080,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		CORSAllowedOrigins: []string{"*"},
		RateLimitRPS:       100,
		RateLimitBurst:     200,
		AllowQueryAPIKey:   false,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "airelay-router",
		SampleRate:   0.1,
	}
}
