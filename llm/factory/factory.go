// Package factory creates LLM Provider instances from configuration. It
// imports the provider sub-packages and maps type names to constructors,
// keeping that knowledge out of the llm package itself.
package factory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/providers"
	"github.com/airelay/router/llm/providers/anthropic"
	"github.com/airelay/router/llm/providers/openai"
	"github.com/airelay/router/llm/providers/openaicompat"
	"github.com/airelay/router/llm/retry"
)

// ProviderConfig is the generic configuration accepted by the factory.
type ProviderConfig struct {
	// Type selects the adapter: "openai", "anthropic"/"claude", or
	// anything else for a generic OpenAI-compatible endpoint. Empty
	// means the provider's map key doubles as its type.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	DisplayName  string                    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Priority     int                       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled      *bool                     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Capabilities *llm.ProviderCapabilities `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	RateLimits   providers.RateLimits      `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`

	// MaxRetries enables the transport-level retry wrapper when > 0.
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`

	// Extra carries adapter-specific fields (organization,
	// anthropic_version, endpoint_path, auth_header, ...).
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (c ProviderConfig) base() providers.BaseProviderConfig {
	return providers.BaseProviderConfig{
		APIKey:       c.APIKey,
		BaseURL:      c.BaseURL,
		Model:        c.Model,
		Timeout:      c.Timeout,
		DisplayName:  c.DisplayName,
		Priority:     c.Priority,
		Enabled:      c.Enabled,
		Capabilities: c.Capabilities,
		RateLimits:   c.RateLimits,
		MaxRetries:   c.MaxRetries,
		RetryDelay:   c.RetryDelay,
	}
}

func (c ProviderConfig) extraString(key string) string {
	if c.Extra == nil {
		return ""
	}
	v, _ := c.Extra[key].(string)
	return v
}

// NewProviderFromConfig creates a Provider for the given name. The three
// built-in types are openai and anthropic/claude; any other type is a
// generic OpenAI-compatible provider and requires base_url.
func NewProviderFromConfig(name string, cfg ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kind := cfg.Type
	if kind == "" {
		kind = name
	}

	var p llm.Provider
	switch kind {
	case "openai":
		oc := providers.OpenAIConfig{
			BaseProviderConfig: cfg.base(),
			Organization:       cfg.extraString("organization"),
		}
		p = openai.NewOpenAIProvider(oc, logger)

	case "anthropic", "claude":
		cc := providers.ClaudeConfig{
			BaseProviderConfig: cfg.base(),
			AnthropicVersion:   cfg.extraString("anthropic_version"),
		}
		p = anthropic.NewClaudeProvider(cc, logger)

	default:
		// Generic OpenAI-compatible endpoint: any name plus base_url
		// (Groq, Fireworks, OpenRouter, Ollama, vLLM, ...).
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("unknown provider %q: not a built-in type, and base_url is required for a generic OpenAI-compatible provider", name)
		}
		oc := openaicompat.Config{
			ProviderName:   name,
			DisplayName:    cfg.DisplayName,
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			DefaultModel:   cfg.Model,
			Timeout:        cfg.Timeout,
			EndpointPath:   cfg.extraString("endpoint_path"),
			ModelsEndpoint: cfg.extraString("models_endpoint"),
			AuthHeaderName: cfg.extraString("auth_header"),
			Priority:       cfg.Priority,
			Enabled:        cfg.Enabled,
			Capabilities:   cfg.Capabilities,
			RateLimits:     cfg.RateLimits,
		}
		logger.Info("creating generic OpenAI-compatible provider",
			zap.String("provider", name),
			zap.String("base_url", cfg.BaseURL))
		p = openaicompat.New(oc, logger)
	}

	if cfg.MaxRetries > 0 {
		policy := retry.DefaultPolicy()
		policy.MaxRetries = cfg.MaxRetries
		if cfg.RetryDelay > 0 {
			policy.InitialDelay = cfg.RetryDelay
		}
		p = providers.NewRetryableProvider(p, policy, logger)
	}
	return p, nil
}

// SupportedProviders returns the built-in adapter type names. Any other
// type is treated as a generic OpenAI-compatible provider.
func SupportedProviders() []string {
	return []string{"openai", "anthropic", "claude"}
}

// RegistryConfig describes the provider fleet.
type RegistryConfig struct {
	// Providers maps provider IDs to their configurations.
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

// NewRegistryFromConfig builds a populated ProviderRegistry. Providers
// that fail to initialize are logged and skipped so one bad entry does not
// take the fleet down.
func NewRegistryFromConfig(cfg RegistryConfig, logger *zap.Logger) (*llm.ProviderRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := llm.NewProviderRegistry(logger)
	for name, pcfg := range cfg.Providers {
		p, err := NewProviderFromConfig(name, pcfg, logger)
		if err != nil {
			logger.Warn("skipping provider: initialization failed",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}
		if err := reg.Register(p); err != nil {
			logger.Warn("skipping provider: registration failed",
				zap.String("provider", name),
				zap.Error(err))
		}
	}
	return reg, nil
}
