package providers

import (
	"time"

	"github.com/airelay/router/llm"
)

// BaseProviderConfig is the configuration every adapter shares. Embedding
// it gives each provider's config the credential, transport, identity, and
// routing fields in one place.
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Priority    int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Capabilities advertised for routing. Nil means the adapter's
	// defaults apply.
	Capabilities *llm.ProviderCapabilities `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	RateLimits RateLimits `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`

	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
}

// IsEnabled resolves the optional Enabled flag; absent means enabled.
func (c BaseProviderConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ResolveCapabilities returns the configured capability set, or the given
// adapter defaults when none is configured.
func (c BaseProviderConfig) ResolveCapabilities(defaults llm.ProviderCapabilities) llm.ProviderCapabilities {
	if c.Capabilities != nil {
		return *c.Capabilities
	}
	return defaults
}

// Identity builds the routing identity from the config.
func (c BaseProviderConfig) Identity(id string) Identity {
	name := c.DisplayName
	if name == "" {
		name = id
	}
	return Identity{
		ID:          id,
		DisplayName: name,
		Priority:    c.Priority,
		Enabled:     c.IsEnabled(),
	}
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Organization       string `json:"organization,omitempty" yaml:"organization,omitempty"`
}

// ClaudeConfig configures the Anthropic (Claude-family) adapter.
type ClaudeConfig struct {
	BaseProviderConfig `yaml:",inline"`

	// AnthropicVersion is the anthropic-version header; defaults to
	// "2023-06-01".
	AnthropicVersion string `json:"anthropic_version,omitempty" yaml:"anthropic_version,omitempty"`
}
