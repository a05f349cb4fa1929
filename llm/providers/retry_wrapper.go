package providers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/retry"
	"github.com/airelay/router/types"
)

// RetryableProvider wraps an llm.Provider with transport-level retry.
// This is the per-provider retry budget; cross-provider failover lives in
// the failover manager, which layers on top of (and is bounded separately
// from) this wrapper.
type RetryableProvider struct {
	inner  llm.Provider
	policy *retry.Policy
	logger *zap.Logger
}

// NewRetryableProvider creates a retrying wrapper around the given
// provider.
func NewRetryableProvider(inner llm.Provider, policy *retry.Policy, logger *zap.Logger) *RetryableProvider {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryableProvider{
		inner:  inner,
		policy: policy,
		logger: logger.With(
			zap.String("component", "retry_provider"),
			zap.String("provider_id", inner.ID())),
	}
}

// Compile-time interface check.
var _ llm.Provider = (*RetryableProvider)(nil)

func (p *RetryableProvider) ID() string                                { return p.inner.ID() }
func (p *RetryableProvider) DisplayName() string                       { return p.inner.DisplayName() }
func (p *RetryableProvider) Capabilities() llm.ProviderCapabilities    { return p.inner.Capabilities() }
func (p *RetryableProvider) Priority() int                             { return p.inner.Priority() }
func (p *RetryableProvider) Enabled() bool                             { return p.inner.Enabled() }
func (p *RetryableProvider) CanHandle(req *types.Request) bool         { return p.inner.CanHandle(req) }
func (p *RetryableProvider) Cleanup() error                            { return p.inner.Cleanup() }

func (p *RetryableProvider) HealthCheck(ctx context.Context, full bool) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx, full)
}

// Completion performs a chat completion with retry on transient errors.
func (p *RetryableProvider) Completion(ctx context.Context, req *types.Request) (*llm.ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= p.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retry.Jittered(p.policy, attempt)
			p.logger.Debug("retrying completion",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := p.inner.Completion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Non-retryable errors are returned immediately.
		if llmErr, ok := err.(*llm.Error); ok && !llmErr.Retryable {
			return nil, err
		}

		p.logger.Warn("completion failed, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return nil, fmt.Errorf("completion failed after %d retries: %w", p.policy.MaxRetries, lastErr)
}

// Stream retries only the connection-establishment phase; mid-stream
// errors pass through.
func (p *RetryableProvider) Stream(ctx context.Context, req *types.Request) (<-chan llm.StreamChunk, error) {
	var lastErr error
	for attempt := 0; attempt <= p.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retry.Jittered(p.policy, attempt)
			p.logger.Debug("retrying stream",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		ch, err := p.inner.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		if llmErr, ok := err.(*llm.Error); ok && !llmErr.Retryable {
			return nil, err
		}

		p.logger.Warn("stream connection failed, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return nil, fmt.Errorf("stream failed after %d retries: %w", p.policy.MaxRetries, lastErr)
}
