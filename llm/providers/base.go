package providers

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/analyzer"
	"github.com/airelay/router/llm/tokenizer"
	"github.com/airelay/router/types"
)

// Identity carries the routing-facing identity every adapter shares.
type Identity struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Priority    int    `json:"priority" yaml:"priority"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// RateLimits is the per-provider request/token budget per minute. Zero
// means unlimited.
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
}

// Base implements the identity, capability, health-memo, and rate-limit
// surface of llm.Provider. Concrete adapters embed it and add transport.
type Base struct {
	ident Identity
	caps  llm.ProviderCapabilities

	reqLimiter *rate.Limiter
	tokLimiter *rate.Limiter

	mu         sync.RWMutex
	enabled    bool
	lastHealth *llm.HealthStatus
}

// NewBase constructs the shared adapter state. A MaxTokens of zero is
// corrected to 1 to keep the capability invariant.
func NewBase(ident Identity, caps llm.ProviderCapabilities, limits RateLimits) *Base {
	if caps.MaxTokens < 1 {
		caps.MaxTokens = 1
	}
	b := &Base{ident: ident, caps: caps, enabled: ident.Enabled}
	if limits.RequestsPerMinute > 0 {
		b.reqLimiter = rate.NewLimiter(
			rate.Limit(float64(limits.RequestsPerMinute)/60), limits.RequestsPerMinute)
	}
	if limits.TokensPerMinute > 0 {
		b.tokLimiter = rate.NewLimiter(
			rate.Limit(float64(limits.TokensPerMinute)/60), limits.TokensPerMinute)
	}
	return b
}

func (b *Base) ID() string          { return b.ident.ID }
func (b *Base) DisplayName() string { return b.ident.DisplayName }
func (b *Base) Priority() int       { return b.ident.Priority }

func (b *Base) Capabilities() llm.ProviderCapabilities { return b.caps }

func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled toggles routing participation at runtime.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// RecordHealth memoizes the adapter's own last health observation.
func (b *Base) RecordHealth(h *llm.HealthStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHealth = h
}

// LastHealth returns the adapter's last recorded health, or nil.
func (b *Base) LastHealth() *llm.HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHealth
}

// CanHandleWith implements the shared admission check: enabled,
// credentialed, capability-compatible, and within the token window. The
// analyzer's estimate decides; when a model-specific tokenizer is
// registered it refines the message count, since exact counting is cheap at
// this point and tightens the MaxTokens cutoff.
func (b *Base) CanHandleWith(req *types.Request, hasCredentials bool) bool {
	if !b.Enabled() || !hasCredentials || req == nil {
		return false
	}

	reqs := analyzer.Analyze(req)
	if !b.caps.SupportsAll(reqs.Capabilities) {
		return false
	}

	estimated := reqs.EstimatedTokens
	if tok, err := tokenizer.GetTokenizer(req.Model); err == nil {
		msgs := make([]tokenizer.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, tokenizer.Message{Role: string(m.Role), Content: m.Content})
		}
		if exact, cerr := tok.CountMessages(msgs); cerr == nil {
			exact += req.MaxTokens
			if exact > 0 && exact < estimated {
				estimated = exact
			}
		}
	}

	return estimated <= b.caps.MaxTokens
}

// CheckRateLimit fails fast with a TEMPORARY-classified error when the
// provider's request or token budget for the current minute is spent, so
// the failover loop moves on to another provider.
func (b *Base) CheckRateLimit(estimatedTokens int) error {
	if b.reqLimiter != nil && !b.reqLimiter.Allow() {
		return &llm.Error{
			Code:       llm.ErrRateLimited,
			Message:    fmt.Sprintf("provider %s request rate limit exceeded", b.ident.ID),
			HTTPStatus: http.StatusTooManyRequests,
			Retryable:  true,
			Provider:   b.ident.ID,
		}
	}
	if b.tokLimiter != nil && estimatedTokens > 0 {
		if !b.tokLimiter.AllowN(time.Now(), estimatedTokens) {
			return &llm.Error{
				Code:       llm.ErrRateLimited,
				Message:    fmt.Sprintf("provider %s token rate limit exceeded", b.ident.ID),
				HTTPStatus: http.StatusTooManyRequests,
				Retryable:  true,
				Provider:   b.ident.ID,
			}
		}
	}
	return nil
}

// HasCredentials reports whether an API key looks configured.
func HasCredentials(apiKey string) bool {
	return strings.TrimSpace(apiKey) != ""
}
