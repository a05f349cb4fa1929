package types

import "time"

// ContentPartType distinguishes the ordered parts that make up a multipart
// message Content (images vs. text runs).
type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImageURL ContentPartType = "image_url"
)

// ImageURLRef carries a remote or data-URI image reference plus the
// provider's rendering detail hint, which feeds the analyzer's token
// estimate (85 tokens for "high"/"auto", 65 for "low").
type ImageURLRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a multipart Message.Parts sequence.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURLRef    `json:"image_url,omitempty"`
}

// ToolChoiceMode enumerates the fixed tool_choice values; FunctionName is
// set instead when the caller pins a specific function.
type ToolChoiceMode string

const (
	ToolChoiceUnset    ToolChoiceMode = ""
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice models the request's tool_choice union:
// `none|auto|required|{function:name}`.
type ToolChoice struct {
	Mode         ToolChoiceMode `json:"mode,omitempty"`
	FunctionName string         `json:"function_name,omitempty"`
}

// IsSet reports whether the caller supplied a tool_choice at all.
func (tc ToolChoice) IsSet() bool {
	return tc.Mode != ToolChoiceUnset
}

// IsNone reports whether tool use was explicitly disabled.
func (tc ToolChoice) IsNone() bool {
	return tc.Mode == ToolChoiceNone
}

// RequestMetadata carries the request's routing hints: an explicit type
// override, priority override, per-request timeout, and retry counter.
type RequestMetadata struct {
	RequestType string        `json:"request_type,omitempty"`
	Priority    string        `json:"priority,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	RetryCount  int           `json:"retry_count,omitempty"`
}

// Request is the router's immutable ingress type: an Anthropic/OpenAI
// compatible chat/completion request, ahead of any provider-specific
// translation. The Routing Engine, Failover Manager, and Request Analyzer
// all operate on this shape rather than on any single provider's wire format.
type Request struct {
	ID          string            `json:"id,omitempty"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []ToolSchema      `json:"tools,omitempty"`
	ToolChoice  ToolChoice        `json:"tool_choice,omitempty"`
	Metadata    RequestMetadata   `json:"metadata,omitempty"`

	// Carried through from the host's ingress layer for tracing; not used
	// by routing decisions.
	TraceID  string `json:"trace_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// UserText concatenates the text content of every user-role message, used
// by the analyzer's phrase-matching rules.
func (r *Request) UserText() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleUser {
			continue
		}
		out += m.Content
		for _, p := range m.Parts {
			if p.Type == ContentPartText {
				out += p.Text
			}
		}
		out += "\n"
	}
	return out
}

// HasImagePart reports whether any message carries an image_url part.
func (r *Request) HasImagePart() bool {
	for _, m := range r.Messages {
		for _, p := range m.Parts {
			if p.Type == ContentPartImageURL {
				return true
			}
		}
	}
	return false
}

// HasToolRole reports whether any message has role "tool" or carries
// populated ToolCalls, per the analyzer's tool-detection rule.
func (r *Request) HasToolRole() bool {
	for _, m := range r.Messages {
		if m.Role == RoleTool || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}
