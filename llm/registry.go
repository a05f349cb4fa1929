package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/airelay/router/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDuplicateProvider is returned by Register when a provider with the same
// ID is already present.
type ErrDuplicateProvider struct {
	ID string
}

func (e *ErrDuplicateProvider) Error() string {
	return fmt.Sprintf("provider %q already registered", e.ID)
}

// ProviderRegistry owns the set of Provider handles. It indexes providers by
// capability, exposes a stable priority order, records the last health check
// result per provider, and can drive periodic health monitoring.
//
// Readers observe a consistent snapshot under a read lock; all writes go
// through Register/Unregister.
type ProviderRegistry struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	order      []string // registration order, tiebreak for equal priority
	lastHealth map[string]*HealthStatus
	logger     *zap.Logger

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewProviderRegistry creates an empty ProviderRegistry.
func NewProviderRegistry(logger *zap.Logger) *ProviderRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderRegistry{
		providers:  make(map[string]Provider),
		lastHealth: make(map[string]*HealthStatus),
		logger:     logger,
	}
}

// Register adds a provider keyed by its ID. Registering an ID twice fails
// with *ErrDuplicateProvider.
func (r *ProviderRegistry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, ok := r.providers[id]; ok {
		return &ErrDuplicateProvider{ID: id}
	}
	r.providers[id] = p
	r.order = append(r.order, id)
	r.logger.Info("provider registered",
		zap.String("provider_id", id),
		zap.Int("priority", p.Priority()),
		zap.Bool("enabled", p.Enabled()))
	return nil
}

// Unregister removes a provider and invokes its Cleanup. Unknown IDs are a
// no-op.
func (r *ProviderRegistry) Unregister(id string) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if ok {
		delete(r.providers, id)
		delete(r.lastHealth, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		if err := p.Cleanup(); err != nil {
			r.logger.Warn("provider cleanup failed",
				zap.String("provider_id", id), zap.Error(err))
		}
		r.logger.Info("provider unregistered", zap.String("provider_id", id))
	}
}

// Get retrieves a provider by ID.
func (r *ProviderRegistry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// IDs returns all registered provider IDs in registration order.
func (r *ProviderRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every registered provider sorted by priority descending,
// registration order breaking ties.
func (r *ProviderRegistry) All() []Provider {
	r.mu.RLock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}

// GetForRequest returns every enabled provider whose CanHandle accepts the
// request, sorted by priority descending (registration order on ties).
func (r *ProviderRegistry) GetForRequest(req *types.Request) []Provider {
	out := r.All()
	kept := out[:0]
	for _, p := range out {
		if p.Enabled() && p.CanHandle(req) {
			kept = append(kept, p)
		}
	}
	return kept
}

// GetByCapability returns enabled providers supporting the capability,
// sorted by priority descending.
func (r *ProviderRegistry) GetByCapability(c Capability) []Provider {
	out := r.All()
	kept := out[:0]
	for _, p := range out {
		if p.Enabled() && p.Capabilities().Supports(c) {
			kept = append(kept, p)
		}
	}
	return kept
}

// LastHealth returns the most recent health check result for a provider,
// or nil if none has been recorded.
func (r *ProviderRegistry) LastHealth(id string) *HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHealth[id]
}

// SetHealth records a health result for a provider. Exposed so the failover
// path can fold observed transport failures into health state.
func (r *ProviderRegistry) SetHealth(id string, h *HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; ok {
		r.lastHealth[id] = h
	}
}

// CheckAllHealth concurrently health-checks every enabled provider and
// records the results. An individual provider failure is recorded as
// unhealthy with the error message; it never propagates to the caller.
func (r *ProviderRegistry) CheckAllHealth(ctx context.Context, full bool) map[string]*HealthStatus {
	r.mu.RLock()
	targets := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		if p := r.providers[id]; p.Enabled() {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	results := make([]*HealthStatus, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range targets {
		i, p := i, p
		g.Go(func() error {
			status, err := p.HealthCheck(gctx, full)
			if err != nil {
				status = &HealthStatus{
					Status:       HealthUnhealthy,
					LastCheck:    time.Now(),
					ErrorMessage: err.Error(),
				}
			} else if status == nil {
				status = &HealthStatus{Status: HealthUnknown, LastCheck: time.Now()}
			}
			results[i] = status
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*HealthStatus, len(targets))
	r.mu.Lock()
	for i, p := range targets {
		r.lastHealth[p.ID()] = results[i]
		out[p.ID()] = results[i]
	}
	r.mu.Unlock()

	for id, h := range out {
		if h.Status != HealthHealthy {
			r.logger.Warn("provider health degraded",
				zap.String("provider_id", id),
				zap.String("status", string(h.Status)),
				zap.String("error", h.ErrorMessage))
		}
	}
	return out
}

// StartHealthMonitoring begins periodic light health checks at the given
// interval. A second call replaces the previous monitor.
func (r *ProviderRegistry) StartHealthMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.monitorCancel != nil {
		r.monitorCancel()
		<-r.monitorDone
	}

	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.monitorCancel = cancel
	r.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-mctx.Done():
				return
			case <-ticker.C:
				r.CheckAllHealth(mctx, false)
			}
		}
	}()

	r.logger.Info("health monitoring started", zap.Duration("interval", interval))
}

// StopHealthMonitoring cancels the periodic health check loop, if running.
func (r *ProviderRegistry) StopHealthMonitoring() {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.monitorCancel != nil {
		r.monitorCancel()
		<-r.monitorDone
		r.monitorCancel = nil
		r.monitorDone = nil
		r.logger.Info("health monitoring stopped")
	}
}

// Shutdown unregisters every provider, invoking each Cleanup, and stops
// health monitoring.
func (r *ProviderRegistry) Shutdown() {
	r.StopHealthMonitoring()
	for _, id := range r.IDs() {
		r.Unregister(id)
	}
}
