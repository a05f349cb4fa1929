// Package llm provides the unified LLM provider abstraction and registry.
package llm

import (
	"context"
	"time"

	"github.com/airelay/router/types"
)

// Re-export types so provider adapters and middleware can depend on a single
// package for the request/response vocabulary.
type (
	Message      = types.Message
	Role         = types.Role
	ToolCall     = types.ToolCall
	ToolSchema   = types.ToolSchema
	ToolResult   = types.ToolResult
	TokenUsage   = types.TokenUsage
	Error        = types.Error
	ErrorCode    = types.ErrorCode
	ImageContent = types.ImageContent

	// ChatRequest is the router's ingress request shape. Provider adapters
	// translate it into their own wire format.
	ChatRequest = types.Request
)

// Re-export constants.
const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool
)

// Re-export error codes.
const (
	ErrInvalidRequest      = types.ErrInvalidRequest
	ErrAuthentication      = types.ErrAuthentication
	ErrUnauthorized        = types.ErrUnauthorized
	ErrForbidden           = types.ErrForbidden
	ErrRateLimit           = types.ErrRateLimit
	ErrRateLimited         = types.ErrRateLimited
	ErrQuotaExceeded       = types.ErrQuotaExceeded
	ErrModelNotFound       = types.ErrModelNotFound
	ErrModelOverloaded     = types.ErrModelOverloaded
	ErrContextTooLong      = types.ErrContextTooLong
	ErrContentFiltered     = types.ErrContentFiltered
	ErrUpstreamError       = types.ErrUpstreamError
	ErrUpstreamTimeout     = types.ErrUpstreamTimeout
	ErrTimeout             = types.ErrTimeout
	ErrInternalError       = types.ErrInternalError
	ErrServiceUnavailable  = types.ErrServiceUnavailable
	ErrProviderUnavailable = types.ErrProviderUnavailable
)

// Capability is a boolean feature bit advertised by a provider.
type Capability string

const (
	CapThinking       Capability = "thinking"
	CapVision         Capability = "vision"
	CapTools          Capability = "tools"
	CapStreaming      Capability = "streaming"
	CapSystemMessages Capability = "system_messages"
	CapTemperature    Capability = "temperature"
	CapTopP           Capability = "top_p"
)

// AllCapabilities lists every known capability bit, in the fixed order used
// by capability indexing and reporting.
var AllCapabilities = []Capability{
	CapThinking, CapVision, CapTools, CapStreaming,
	CapSystemMessages, CapTemperature, CapTopP,
}

// ProviderCapabilities describes what a provider can do and how large a
// request it accepts. MaxTokens must be at least 1.
type ProviderCapabilities struct {
	Thinking        bool `json:"thinking" yaml:"thinking"`
	Vision          bool `json:"vision" yaml:"vision"`
	Tools           bool `json:"tools" yaml:"tools"`
	Streaming       bool `json:"streaming" yaml:"streaming"`
	SystemMessages  bool `json:"system_messages" yaml:"system_messages"`
	Temperature     bool `json:"temperature" yaml:"temperature"`
	TopP            bool `json:"top_p" yaml:"top_p"`
	MaxTokens       int  `json:"max_tokens" yaml:"max_tokens"`
	MaxOutputTokens int  `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
}

// Supports reports whether the given capability bit is set.
func (pc ProviderCapabilities) Supports(c Capability) bool {
	switch c {
	case CapThinking:
		return pc.Thinking
	case CapVision:
		return pc.Vision
	case CapTools:
		return pc.Tools
	case CapStreaming:
		return pc.Streaming
	case CapSystemMessages:
		return pc.SystemMessages
	case CapTemperature:
		return pc.Temperature
	case CapTopP:
		return pc.TopP
	default:
		return false
	}
}

// SupportsAll reports whether every capability in the set is supported.
func (pc ProviderCapabilities) SupportsAll(caps []Capability) bool {
	for _, c := range caps {
		if !pc.Supports(c) {
			return false
		}
	}
	return true
}

// List returns the enabled capability bits in AllCapabilities order.
func (pc ProviderCapabilities) List() []Capability {
	out := make([]Capability, 0, len(AllCapabilities))
	for _, c := range AllCapabilities {
		if pc.Supports(c) {
			out = append(out, c)
		}
	}
	return out
}

// HealthState is the coarse health classification of a provider.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// HealthStatus is the result of a provider health check.
type HealthStatus struct {
	Status           HealthState         `json:"status"`
	ResponseTime     time.Duration       `json:"response_time,omitempty"`
	LastCheck        time.Time           `json:"last_check"`
	ErrorRate        float64             `json:"error_rate,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	UptimePercent    float64             `json:"uptime_percent,omitempty"`
	CapabilityStatus map[Capability]bool `json:"capability_status,omitempty"`
}

// Healthy reports whether the status is HealthHealthy.
func (h *HealthStatus) Healthy() bool {
	return h != nil && h.Status == HealthHealthy
}

// Provider is the unified adapter contract every upstream implements.
//
// Identity and capability accessors are cheap and safe for concurrent use.
// Completion and Stream must respect ctx cancellation and any per-request
// timeout; HealthCheck(full=true) issues a minimal 1-token completion while
// the light variant may be a models-endpoint ping.
type Provider interface {
	// ID returns the provider's unique identifier (registry key).
	ID() string

	// DisplayName returns the human-readable provider name.
	DisplayName() string

	// Capabilities returns the provider's advertised capability set.
	Capabilities() ProviderCapabilities

	// Priority returns the static routing priority (higher wins).
	Priority() int

	// Enabled reports whether the provider participates in routing.
	Enabled() bool

	// CanHandle reports whether this provider can serve the request:
	// enabled, credentialed, capability-compatible, and within token limits.
	CanHandle(req *types.Request) bool

	// Completion sends a synchronous chat request.
	Completion(ctx context.Context, req *types.Request) (*ChatResponse, error)

	// Stream sends a streaming chat request.
	Stream(ctx context.Context, req *types.Request) (<-chan StreamChunk, error)

	// HealthCheck probes the upstream. A full check exercises the
	// completion path; a light check may only ping a cheap endpoint.
	HealthCheck(ctx context.Context, full bool) (*HealthStatus, error)

	// Cleanup releases transport resources. Called by the registry on
	// unregister and at process shutdown.
	Cleanup() error
}

// ChatResponse represents a chat completion response.
type ChatResponse struct {
	ID           string         `json:"id,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model"`
	Choices      []ChatChoice   `json:"choices"`
	Usage        ChatUsage      `json:"usage"`
	CreatedAt    time.Time      `json:"created_at"`
	ResponseTime time.Duration  `json:"response_time,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// FirstContent returns the content of the first choice, or "".
func (r *ChatResponse) FirstContent() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// SetMeta records a metadata key, allocating the map on first use.
func (r *ChatResponse) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any, 4)
	}
	r.Metadata[key] = value
}

// ChatChoice represents a single choice in the response.
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatUsage represents token usage in a response.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a streaming response chunk.
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Index        int        `json:"index,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Err          *Error     `json:"error,omitempty"`
}

// Model represents a model available from a provider.
type Model struct {
	ID          string   `json:"id"`
	Object      string   `json:"object"`
	Created     int64    `json:"created"`
	OwnedBy     string   `json:"owned_by"`
	Permissions []string `json:"permissions"`
	Root        string   `json:"root"`
	Parent      string   `json:"parent"`
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}
