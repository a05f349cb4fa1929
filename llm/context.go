package llm

import (
	"context"
	"strings"
)

// CredentialOverride carries per-request credentials that take precedence
// over a provider's configured API key. The host injects it when a caller
// brings their own upstream key.
type CredentialOverride struct {
	APIKey  string
	BaseURL string
}

type credentialOverrideKey struct{}

// WithCredentialOverride returns a context carrying the given override.
// Empty overrides are not stored.
func WithCredentialOverride(ctx context.Context, c CredentialOverride) context.Context {
	if strings.TrimSpace(c.APIKey) == "" && strings.TrimSpace(c.BaseURL) == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialOverrideKey{}, c)
}

// CredentialOverrideFromContext extracts a credential override, if present.
func CredentialOverrideFromContext(ctx context.Context) (CredentialOverride, bool) {
	c, ok := ctx.Value(credentialOverrideKey{}).(CredentialOverride)
	return c, ok
}
