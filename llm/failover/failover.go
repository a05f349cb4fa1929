// Package failover drives retry across providers. When a provider call
// fails, the manager classifies the error, consults the provider's circuit
// breaker, backs off with jitter, and re-selects among the remaining
// providers until one succeeds or the attempt budget is exhausted.
//
// Results are threaded through the loop as explicit values; only context
// cancellation aborts it early.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/analyzer"
	"github.com/airelay/router/llm/cache"
	"github.com/airelay/router/llm/circuitbreaker"
	"github.com/airelay/router/llm/errorclass"
	"github.com/airelay/router/llm/retry"
	"github.com/airelay/router/llm/router"
	"github.com/airelay/router/types"
)

// Config 故障转移配置
type Config struct {
	MaxRetriesPerProvider     int
	MaxTotalRetries           int
	InitialRetryDelay         time.Duration
	MaxRetryDelay             time.Duration
	BackoffMultiplier         float64
	EnableJitter              bool
	JitterFactor              float64
	EnableCircuitBreaker      bool
	CircuitBreakerThreshold   int
	CircuitBreakerTimeout     time.Duration
	HealthCheckInterval       time.Duration
	EnableIntelligentFailover bool

	// OnBreakerStateChange, when set, observes every circuit transition
	// (for metrics and alerting).
	OnBreakerStateChange func(providerID, from, to string)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxRetriesPerProvider:     2,
		MaxTotalRetries:           5,
		InitialRetryDelay:         500 * time.Millisecond,
		MaxRetryDelay:             30 * time.Second,
		BackoffMultiplier:         2.0,
		EnableJitter:              true,
		JitterFactor:              0.25,
		EnableCircuitBreaker:      true,
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     60 * time.Second,
		HealthCheckInterval:       30 * time.Second,
		EnableIntelligentFailover: true,
	}
}

func (c *Config) normalize() {
	if c.MaxRetriesPerProvider <= 0 {
		c.MaxRetriesPerProvider = 2
	}
	if c.MaxTotalRetries <= 0 {
		c.MaxTotalRetries = 5
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 60 * time.Second
	}
}

// Attempt records one provider invocation inside a failover loop.
type Attempt struct {
	AttemptNumber int                 `json:"attempt_number"`
	ProviderID    string              `json:"provider_id"`
	ProviderName  string              `json:"provider_name"`
	Error         string              `json:"error,omitempty"`
	ErrorCategory errorclass.Category `json:"error_category,omitempty"`
	RetryDelay    time.Duration       `json:"retry_delay"`
	StartTime     time.Time           `json:"start_time"`
	Duration      time.Duration       `json:"duration"`
	Success       bool                `json:"success"`
}

// AggregateError is returned when every attempt failed.
type AggregateError struct {
	Attempts  []Attempt
	LastCause error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("failover exhausted after %d attempts: %v",
		len(e.Attempts), e.LastCause)
}

func (e *AggregateError) Unwrap() error { return e.LastCause }

// ErrCancelled wraps a context cancellation observed between attempts.
var ErrCancelled = errors.New("failover cancelled")

// Manager orchestrates the failover loop. Safe for concurrent use; every
// HandleFailover call keeps its own attempt state.
type Manager struct {
	cfg      *Config
	engine   *router.Engine
	registry *llm.ProviderRegistry
	perf     *cache.PerformanceCache
	breakers *circuitbreaker.Bank
	policy   *retry.Policy
	logger   *zap.Logger
}

// New creates a failover manager sharing the engine's registry and
// performance cache.
func New(cfg *Config, engine *router.Engine, logger *zap.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		engine:   engine,
		registry: engine.Registry(),
		perf:     engine.Cache(),
		breakers: circuitbreaker.NewBank(&circuitbreaker.Config{
			Threshold: cfg.CircuitBreakerThreshold,
			Timeout:   cfg.CircuitBreakerTimeout,
			OnStateChange: func(id string, from, to circuitbreaker.State) {
				if cfg.OnBreakerStateChange != nil {
					cfg.OnBreakerStateChange(id, from.String(), to.String())
				}
			},
		}, logger),
		policy: &retry.Policy{
			InitialDelay: cfg.InitialRetryDelay,
			MaxDelay:     cfg.MaxRetryDelay,
			Multiplier:   cfg.BackoffMultiplier,
			Jitter:       cfg.EnableJitter,
			JitterFactor: cfg.JitterFactor,
		},
		logger: logger,
	}
}

// Breakers exposes the circuit breaker bank for observability and the
// routing layer's OPEN checks.
func (m *Manager) Breakers() *circuitbreaker.Bank { return m.breakers }

// RecordOutcome folds a provider call result observed outside the failover
// loop (the direct routing path) into breaker and performance state.
func (m *Manager) RecordOutcome(providerID string, d time.Duration, err error) {
	if err == nil {
		if m.cfg.EnableCircuitBreaker {
			m.breakers.RecordSuccess(providerID)
		}
		m.perf.RecordOutcome(providerID, d, true, "")
		return
	}
	category := errorclass.Classify(err)
	if m.cfg.EnableCircuitBreaker {
		m.breakers.RecordFailure(providerID)
	}
	m.perf.RecordOutcome(providerID, d, false, string(category))
}

// HandleFailover retries the request against the remaining providers.
// alreadyFailed lists provider IDs that must not be retried; originalError
// is the failure that triggered failover (it is returned unwrapped when it
// is a client or permanent error).
func (m *Manager) HandleFailover(ctx context.Context, req *types.Request, alreadyFailed []string, originalError error) (*llm.ChatResponse, error) {
	return m.handleFailover(ctx, req, alreadyFailed, nil, originalError)
}

// HandleFailoverAfter resumes failover after a failed attempt the caller
// already made (the primary routing path). The failed attempt seeds the
// attempt log, so it counts toward the total-attempt budget, appears in
// failover_attempts metadata, and is carried in any AggregateError. Its
// outcome must already be recorded (RecordOutcome); only the log entry is
// added here.
func (m *Manager) HandleFailoverAfter(ctx context.Context, req *types.Request, failed Attempt, cause error) (*llm.ChatResponse, error) {
	failed.AttemptNumber = 1
	failed.Success = false
	if failed.Error == "" && cause != nil {
		failed.Error = cause.Error()
	}
	if failed.ErrorCategory == "" {
		failed.ErrorCategory = errorclass.Classify(cause)
	}
	return m.handleFailover(ctx, req, []string{failed.ProviderID}, []Attempt{failed}, cause)
}

func (m *Manager) handleFailover(ctx context.Context, req *types.Request, alreadyFailed []string, seed []Attempt, originalError error) (*llm.ChatResponse, error) {
	if originalError != nil {
		if category := errorclass.Classify(originalError); category == errorclass.ClientError || category == errorclass.Permanent {
			return nil, originalError
		}
	}

	excluded := make([]string, len(alreadyFailed))
	copy(excluded, alreadyFailed)

	perProvider := make(map[string]int)
	attempts := make([]Attempt, len(seed))
	copy(attempts, seed)
	lastCause := originalError

	for len(attempts) < m.cfg.MaxTotalRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		provider := m.selectNext(req, excluded, attempts)
		if provider == nil {
			break
		}
		id := provider.ID()

		// An OPEN breaker removes the provider from contention without
		// consuming an attempt or a delay.
		if m.cfg.EnableCircuitBreaker && m.breakers.IsOpen(id) {
			m.logger.Info("skipping provider with open circuit",
				zap.String("provider_id", id))
			excluded = append(excluded, id)
			continue
		}

		attemptNo := len(attempts) + 1
		var delay time.Duration
		if attemptNo > 1 {
			delay = retry.Jittered(m.policy, attemptNo)
		}

		attempt := Attempt{
			AttemptNumber: attemptNo,
			ProviderID:    id,
			ProviderName:  provider.DisplayName(),
			RetryDelay:    delay,
			StartTime:     time.Now(),
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			case <-time.After(delay):
			}
		}

		// Allow moves an expired OPEN breaker to HALF_OPEN and admits a
		// single probe; a provider whose probe is already in flight is
		// passed over without consuming an attempt.
		if m.cfg.EnableCircuitBreaker && !m.breakers.Allow(id) {
			excluded = append(excluded, id)
			continue
		}

		m.logger.Info("failover attempt",
			zap.Int("attempt", attemptNo),
			zap.String("provider_id", id),
			zap.Duration("delay", delay))

		resp, err := m.invoke(ctx, provider, req)
		attempt.Duration = time.Since(attempt.StartTime)
		perProvider[id]++

		if err == nil {
			attempt.Success = true
			attempts = append(attempts, attempt)

			if m.cfg.EnableCircuitBreaker {
				m.breakers.RecordSuccess(id)
			}
			m.perf.RecordOutcome(id, attempt.Duration, true, "")

			resp.SetMeta("fallback_used", true)
			resp.SetMeta("routing_decision", "failover:"+id)
			resp.SetMeta("failover_attempts", len(attempts))
			return resp, nil
		}

		category := errorclass.Classify(err)
		attempt.Error = err.Error()
		attempt.ErrorCategory = category
		attempts = append(attempts, attempt)
		lastCause = err

		if m.cfg.EnableCircuitBreaker {
			m.breakers.RecordFailure(id)
		}
		m.perf.RecordOutcome(id, attempt.Duration, false, string(category))

		m.logger.Warn("failover attempt failed",
			zap.Int("attempt", attemptNo),
			zap.String("provider_id", id),
			zap.String("error_category", string(category)),
			zap.Error(err))

		// Client and permanent errors never succeed on retry against the
		// same provider; exhaustion of the per-provider budget likewise
		// removes it from contention.
		if category == errorclass.ClientError || category == errorclass.Permanent ||
			perProvider[id] >= m.cfg.MaxRetriesPerProvider {
			excluded = append(excluded, id)
		}
	}

	if lastCause == nil {
		lastCause = &types.Error{
			Code:       types.ErrProviderUnavailable,
			Message:    "no provider available for failover",
			HTTPStatus: 503,
		}
	}
	return nil, &AggregateError{Attempts: attempts, LastCause: lastCause}
}

// invoke runs one provider call, honoring the request's own timeout.
func (m *Manager) invoke(ctx context.Context, p llm.Provider, req *types.Request) (*llm.ChatResponse, error) {
	callCtx := ctx
	if req.Metadata.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Metadata.Timeout)
		defer cancel()
	}
	return p.Completion(callCtx, req)
}

// selectNext picks the next provider: scored selection when intelligent
// failover is enabled, plain priority order otherwise.
func (m *Manager) selectNext(req *types.Request, excluded []string, attempts []Attempt) llm.Provider {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	var candidates []llm.Provider
	for _, p := range m.registry.GetForRequest(req) {
		if _, ok := skip[p.ID()]; !ok {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	if !m.cfg.EnableIntelligentFailover {
		return candidates[0]
	}

	reqs := analyzer.Analyze(req)
	best := candidates[0]
	bestScore := m.score(best, reqs, attempts)
	for _, p := range candidates[1:] {
		if s := m.score(p, reqs, attempts); s > bestScore {
			best, bestScore = p, s
		}
	}
	return best
}

// score implements the intelligent-failover ranking: capability fit,
// token headroom, health, recorded performance, and static priority, less
// penalties for open breakers and recent or repeated failures.
func (m *Manager) score(p llm.Provider, reqs analyzer.Requirements, attempts []Attempt) float64 {
	caps := p.Capabilities()
	var s float64

	// Capability fit: up to 4 points.
	if n := len(reqs.Capabilities); n > 0 {
		matched := 0
		for _, c := range reqs.Capabilities {
			if caps.Supports(c) {
				matched++
			}
		}
		s += 4 * float64(matched) / float64(n)
	} else {
		s += 4
	}

	// Token headroom: up to 2 points.
	if caps.MaxTokens > 0 {
		headroom := 1 - float64(reqs.EstimatedTokens)/float64(caps.MaxTokens)
		if headroom < 0 {
			headroom = 0
		}
		s += 2 * headroom
	}

	// Health: up to 2 points; unhealthy additionally penalized below.
	health := m.registry.LastHealth(p.ID())
	switch {
	case health == nil || health.Status == llm.HealthUnknown:
		s++
	case health.Status == llm.HealthHealthy:
		s += 2
	case health.Status == llm.HealthDegraded:
		s++
	case health.Status == llm.HealthUnhealthy:
		s -= 5
	}

	// Recorded performance: up to 2 points.
	if metrics, ok := m.perf.Metrics(p.ID()); ok {
		s += metrics.SuccessRatePercent / 100 * 1.5
		latencyBonus := 1 - (metrics.AvgResponseTimeMs-500)/2000
		if latencyBonus > 0.5 {
			latencyBonus = 0.5
		}
		if latencyBonus > 0 {
			s += latencyBonus
		}
	}

	s += float64(p.Priority()) / 10

	if m.cfg.EnableCircuitBreaker && m.breakers.IsOpen(p.ID()) {
		s -= 20
	}

	s -= 2 * float64(m.perf.RecentFailureCount(p.ID(), cache.RecentFailureWindow))
	s -= 3 * float64(consecutiveSimilarErrors(p.ID(), attempts))

	return s
}

// consecutiveSimilarErrors counts the provider's trailing run of attempts
// that all failed with the same error category.
func consecutiveSimilarErrors(providerID string, attempts []Attempt) int {
	var category errorclass.Category
	run := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.ProviderID != providerID {
			continue
		}
		if a.Success {
			break
		}
		if run == 0 {
			category = a.ErrorCategory
			run = 1
			continue
		}
		if a.ErrorCategory != category {
			break
		}
		run++
	}
	return run
}
