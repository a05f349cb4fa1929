// Package circuitbreaker gates traffic to failing providers. A Bank holds
// one CLOSED/OPEN/HALF_OPEN state machine per provider ID; the failover
// loop consults it before each attempt and reports the outcome after.
//
// Reopen timers are absolute timestamps, not sleeping goroutines: an OPEN
// breaker transitions to HALF_OPEN when the next consultation observes that
// the timer has expired.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold is the consecutive-failure count that trips a CLOSED
	// breaker to OPEN.
	Threshold int

	// Timeout is how long an OPEN breaker rejects traffic before the next
	// consultation moves it to HALF_OPEN.
	Timeout time.Duration

	// OnStateChange is invoked after every transition.
	OnStateChange func(providerID string, from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold: 5,
		Timeout:   60 * time.Second,
	}
}

// Snapshot is a point-in-time copy of one provider's breaker state.
type Snapshot struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	NextAttemptTime time.Time `json:"next_attempt_time"`
}

// entry is one provider's live state. Created lazily on first recorded
// failure; a provider with no entry is implicitly CLOSED.
type entry struct {
	state            State
	failureCount     int
	lastFailureTime  time.Time
	nextAttemptTime  time.Time
	halfOpenInFlight bool
}

// Bank 按 provider ID 管理一组熔断器
type Bank struct {
	config *Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewBank 创建熔断器组
func NewBank(config *Config, logger *zap.Logger) *Bank {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bank{
		config:  config,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether a request may be sent to the provider. An OPEN
// breaker whose timer has expired transitions to HALF_OPEN and admits
// exactly one probe; further callers are rejected until the probe's outcome
// is recorded.
func (b *Bank) Allow(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return true
	}

	switch e.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Now().Before(e.nextAttemptTime) {
			return false
		}
		b.setState(id, e, StateHalfOpen)
		e.halfOpenInFlight = true
		b.logger.Info("circuit breaker half-open, admitting probe",
			zap.String("provider_id", id))
		return true

	case StateHalfOpen:
		if e.halfOpenInFlight {
			return false
		}
		e.halfOpenInFlight = true
		return true

	default:
		return false
	}
}

// RecordSuccess notes a successful call. In HALF_OPEN this closes the
// breaker and zeroes the failure count; in CLOSED it resets the
// consecutive-failure streak.
func (b *Bank) RecordSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return
	}

	switch e.state {
	case StateClosed:
		e.failureCount = 0

	case StateHalfOpen:
		b.setState(id, e, StateClosed)
		e.failureCount = 0
		e.halfOpenInFlight = false
		b.logger.Info("circuit breaker closed after successful probe",
			zap.String("provider_id", id))

	case StateOpen:
		// A success racing an already-tripped breaker; the redundant
		// observation is dropped.
		b.logger.Debug("success recorded while breaker open",
			zap.String("provider_id", id))
	}
}

// RecordFailure notes a failed call. Entries are created lazily here. A
// CLOSED breaker trips OPEN after Threshold consecutive failures; a
// HALF_OPEN breaker reopens with a fresh timer on any failure.
func (b *Bank) RecordFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[id] = e
	}

	e.failureCount++
	e.lastFailureTime = time.Now()

	switch e.state {
	case StateClosed:
		if e.failureCount >= b.config.Threshold {
			b.setState(id, e, StateOpen)
			e.nextAttemptTime = time.Now().Add(b.config.Timeout)
			b.logger.Warn("circuit breaker opened",
				zap.String("provider_id", id),
				zap.Int("failure_count", e.failureCount),
				zap.Int("threshold", b.config.Threshold),
				zap.Time("next_attempt", e.nextAttemptTime))
		}

	case StateHalfOpen:
		b.setState(id, e, StateOpen)
		e.nextAttemptTime = time.Now().Add(b.config.Timeout)
		e.halfOpenInFlight = false
		b.logger.Warn("circuit breaker reopened after failed probe",
			zap.String("provider_id", id),
			zap.Time("next_attempt", e.nextAttemptTime))

	case StateOpen:
		// Failure recorded while already OPEN extends nothing; the timer
		// stands.
	}
}

// State returns the provider's current state. Missing entries read as
// CLOSED. The OPEN→HALF_OPEN transition happens in Allow, not here, so a
// State read has no side effects.
func (b *Bank) State(id string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return StateClosed
	}
	return e.state
}

// IsOpen reports whether the breaker currently rejects traffic: OPEN with
// an unexpired timer.
func (b *Bank) IsOpen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return false
	}
	return e.state == StateOpen && time.Now().Before(e.nextAttemptTime)
}

// Get returns a snapshot of one provider's breaker, and whether an entry
// exists.
func (b *Bank) Get(id string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return Snapshot{State: StateClosed}, false
	}
	return snapshotOf(e), true
}

// Snapshots returns a copy of every tracked breaker's state.
func (b *Bank) Snapshots() map[string]Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Snapshot, len(b.entries))
	for id, e := range b.entries {
		out[id] = snapshotOf(e)
	}
	return out
}

// Reset 重置指定 provider 的熔断器（手动恢复）
func (b *Bank) Reset(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return
	}
	from := e.state
	delete(b.entries, id)
	b.logger.Info("circuit breaker reset",
		zap.String("provider_id", id),
		zap.String("from_state", from.String()))
	if b.config.OnStateChange != nil && from != StateClosed {
		go b.config.OnStateChange(id, from, StateClosed)
	}
}

// setState transitions an entry and fires the callback. Caller holds b.mu.
func (b *Bank) setState(id string, e *entry, to State) {
	from := e.state
	e.state = to
	if b.config.OnStateChange != nil && from != to {
		go b.config.OnStateChange(id, from, to)
	}
}

func snapshotOf(e *entry) Snapshot {
	return Snapshot{
		State:           e.state,
		FailureCount:    e.failureCount,
		LastFailureTime: e.lastFailureTime,
		NextAttemptTime: e.nextAttemptTime,
	}
}
