package openai

import (
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/providers"
	"github.com/airelay/router/llm/providers/openaicompat"
)

// DefaultBaseURL is the OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com"

// defaultCapabilities reflects the current GPT-4-class feature set.
var defaultCapabilities = llm.ProviderCapabilities{
	Vision:          true,
	Tools:           true,
	Streaming:       true,
	SystemMessages:  true,
	Temperature:     true,
	TopP:            true,
	MaxTokens:       128000,
	MaxOutputTokens: 16384,
}

// OpenAIProvider adapts the OpenAI Chat Completions API. It is the shared
// OpenAI-compatible base with OpenAI's endpoint, default model, capability
// set, and organization header applied.
type OpenAIProvider struct {
	*openaicompat.Provider
	cfg providers.OpenAIConfig
}

// Compile-time interface check.
var _ llm.Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates the OpenAI adapter.
func NewOpenAIProvider(cfg providers.OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	caps := cfg.ResolveCapabilities(defaultCapabilities)
	p := &OpenAIProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "openai",
			DisplayName:   orDefault(cfg.DisplayName, "OpenAI"),
			APIKey:        cfg.APIKey,
			BaseURL:       baseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "gpt-4o",
			Timeout:       cfg.Timeout,
			Priority:      cfg.Priority,
			Enabled:       cfg.Enabled,
			Capabilities:  &caps,
			RateLimits:    cfg.RateLimits,
		}, logger),
		cfg: cfg,
	}

	p.SetBuildHeaders(func(r *resty.Request, apiKey string) {
		r.SetHeader("Authorization", "Bearer "+apiKey)
		if cfg.Organization != "" {
			r.SetHeader("OpenAI-Organization", cfg.Organization)
		}
	})

	return p
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
