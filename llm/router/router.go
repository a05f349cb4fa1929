// Package router implements capability-, performance-, and rule-based
// provider selection. The engine filters registry candidates down to the
// providers able to serve a request, then walks a fixed strategy ladder:
// custom rules, capability preferences, performance ranking, priority
// fallback. The first strategy to produce a provider wins and stamps the
// selection with a decision tag.
package router

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/analyzer"
	"github.com/airelay/router/llm/cache"
	"github.com/airelay/router/types"
)

// Rule is a pluggable routing override. Enabled rules run in ascending
// Priority order; the first whose Condition accepts the request and whose
// Selector returns one of the current candidates wins.
type Rule struct {
	ID        string
	Name      string
	Priority  int
	Enabled   bool
	Condition func(req *types.Request) bool
	Selector  func(candidates []llm.Provider) llm.Provider
}

// CostGate lets the host veto candidates on budget grounds when cost
// routing is enabled. A nil gate admits everyone.
type CostGate interface {
	Allow(providerID string, estimatedTokens int) bool
}

// Config controls the engine's strategy ladder.
type Config struct {
	EnablePerformanceRouting bool
	EnableCostRouting        bool
	EnableHealthRouting      bool
	EnableFallback           bool
	MaxProviderAttempts      int

	// CapabilityPreferences maps a capability to an ordered provider-ID
	// preference list consulted by capability routing.
	CapabilityPreferences map[llm.Capability][]string

	CustomRules []Rule

	// Strategy is accepted for configuration compatibility and recorded
	// in routing history, but does not alter selection.
	Strategy string
}

// DefaultConfig enables every strategy with no preferences or rules.
func DefaultConfig() Config {
	return Config{
		EnablePerformanceRouting: true,
		EnableHealthRouting:      true,
		EnableFallback:           true,
		MaxProviderAttempts:      3,
	}
}

// NoCandidateError reports that no registered provider can serve the
// request after capability, performance, health, and exclusion filtering.
type NoCandidateError struct {
	RequestType string
	Excluded    []string
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no candidate provider for %s request (%d excluded)",
		e.RequestType, len(e.Excluded))
}

// Selection is the engine's output for one request.
type Selection struct {
	Provider     llm.Provider
	Decision     string
	Requirements analyzer.Requirements
	Candidates   int
}

// Engine selects providers. Safe for concurrent use.
type Engine struct {
	cfg      Config
	registry *llm.ProviderRegistry
	perf     *cache.PerformanceCache
	costGate CostGate
	logger   *zap.Logger
}

// New creates a routing engine over the given registry and performance
// cache.
func New(cfg Config, registry *llm.ProviderRegistry, perf *cache.PerformanceCache, logger *zap.Logger) *Engine {
	if perf == nil {
		perf = cache.NewPerformanceCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		perf:     perf,
		logger:   logger,
	}
}

// SetCostGate installs the budget veto consulted when cost routing is
// enabled.
func (e *Engine) SetCostGate(g CostGate) { e.costGate = g }

// Cache exposes the engine's performance cache so the failover manager and
// the host share one instance.
func (e *Engine) Cache() *cache.PerformanceCache { return e.perf }

// Registry exposes the provider registry the engine routes over.
func (e *Engine) Registry() *llm.ProviderRegistry { return e.registry }

// SelectProvider picks the best provider for the request, excluding the
// given provider IDs. The decision tag records which strategy fired.
func (e *Engine) SelectProvider(req *types.Request, exclude []string) (*Selection, error) {
	start := time.Now()
	reqs := analyzer.Analyze(req)

	candidates := e.filterCandidates(req, reqs, exclude)

	sel := &Selection{Requirements: reqs, Candidates: len(candidates)}
	if len(candidates) > 0 {
		sel.Provider, sel.Decision = e.applyStrategies(req, reqs, candidates)
	}

	e.appendHistory(req, reqs, sel, time.Since(start))

	if sel.Provider == nil {
		e.logger.Warn("no candidate provider",
			zap.String("request_type", string(reqs.Type)),
			zap.Int("excluded", len(exclude)))
		return nil, &NoCandidateError{RequestType: string(reqs.Type), Excluded: exclude}
	}

	e.logger.Info("provider selected",
		zap.String("provider_id", sel.Provider.ID()),
		zap.String("decision", sel.Decision),
		zap.String("request_type", string(reqs.Type)),
		zap.Int("candidates", sel.Candidates))
	return sel, nil
}

// filterCandidates narrows the registry down to providers that can serve
// the request right now.
func (e *Engine) filterCandidates(req *types.Request, reqs analyzer.Requirements, exclude []string) []llm.Provider {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	all := e.registry.GetForRequest(req)
	candidates := all[:0]
	for _, p := range all {
		if _, skip := excluded[p.ID()]; skip {
			continue
		}
		if !p.Capabilities().SupportsAll(reqs.Capabilities) {
			continue
		}
		if e.cfg.EnablePerformanceRouting {
			if m, ok := e.perf.Metrics(p.ID()); ok && m.SuccessRatePercent < 50 {
				continue
			}
		}
		if e.cfg.EnableHealthRouting {
			if h := e.registry.LastHealth(p.ID()); h != nil && h.Status == llm.HealthUnhealthy {
				continue
			}
		}
		if e.cfg.EnableCostRouting && e.costGate != nil &&
			!e.costGate.Allow(p.ID(), reqs.EstimatedTokens) {
			continue
		}
		candidates = append(candidates, p)
	}
	return candidates
}

// applyStrategies walks the strategy ladder over a non-empty candidate set.
func (e *Engine) applyStrategies(req *types.Request, reqs analyzer.Requirements, candidates []llm.Provider) (llm.Provider, string) {
	if p, ruleID := e.selectByCustomRule(req, candidates); p != nil {
		return p, "custom-rule:" + ruleID
	}
	if p := e.selectByCapability(reqs, candidates); p != nil {
		return p, "capability:" + p.ID()
	}
	if e.cfg.EnablePerformanceRouting {
		if p := e.selectByPerformance(candidates); p != nil {
			return p, "performance:" + p.ID()
		}
	}
	if e.cfg.EnableFallback {
		// Candidates arrive priority-sorted from the registry.
		return candidates[0], "priority:" + candidates[0].ID()
	}
	return nil, ""
}

func (e *Engine) selectByCustomRule(req *types.Request, candidates []llm.Provider) (llm.Provider, string) {
	rules := make([]Rule, 0, len(e.cfg.CustomRules))
	for _, r := range e.cfg.CustomRules {
		if r.Enabled && r.Condition != nil && r.Selector != nil {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, r := range rules {
		if !r.Condition(req) {
			continue
		}
		picked := r.Selector(candidates)
		if picked == nil {
			continue
		}
		// The selector must return one of the live candidates; anything
		// else is ignored.
		for _, c := range candidates {
			if c.ID() == picked.ID() {
				return picked, r.ID
			}
		}
		e.logger.Warn("custom rule selected a non-candidate, ignoring",
			zap.String("rule_id", r.ID),
			zap.String("provider_id", picked.ID()))
	}
	return nil, ""
}

// capabilityRoutingOrder fixes which required capabilities drive
// preference-based routing, and in what order.
var capabilityRoutingOrder = []llm.Capability{llm.CapThinking, llm.CapVision, llm.CapTools}

func (e *Engine) selectByCapability(reqs analyzer.Requirements, candidates []llm.Provider) llm.Provider {
	required := make(map[llm.Capability]bool, len(reqs.Capabilities))
	for _, c := range reqs.Capabilities {
		required[c] = true
	}

	for _, capability := range capabilityRoutingOrder {
		if !required[capability] {
			continue
		}
		// Preferred providers first, in the configured order.
		for _, id := range e.cfg.CapabilityPreferences[capability] {
			for _, p := range candidates {
				if p.ID() == id && p.Capabilities().Supports(capability) {
					return p
				}
			}
		}
		// Otherwise any candidate that has the capability.
		for _, p := range candidates {
			if p.Capabilities().Supports(capability) {
				return p
			}
		}
	}
	return nil
}

// selectByPerformance ranks candidates by avg latency divided by success
// ratio; providers with no recorded metrics sort last.
func (e *Engine) selectByPerformance(candidates []llm.Provider) llm.Provider {
	type scored struct {
		p     llm.Provider
		score float64
		known bool
	}
	ranked := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		m, ok := e.perf.Metrics(p.ID())
		if !ok || m.SuccessRatePercent <= 0 {
			ranked = append(ranked, scored{p: p})
			continue
		}
		ranked = append(ranked, scored{
			p:     p,
			score: m.AvgResponseTimeMs / (m.SuccessRatePercent / 100),
			known: true,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].known != ranked[j].known {
			return ranked[i].known
		}
		return ranked[i].score < ranked[j].score
	})
	if len(ranked) == 0 || !ranked[0].known {
		return nil
	}
	return ranked[0].p
}

func (e *Engine) appendHistory(req *types.Request, reqs analyzer.Requirements, sel *Selection, elapsed time.Duration) {
	requestID := req.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	entry := cache.RoutingHistoryEntry{
		Timestamp:            time.Now(),
		RequestID:            requestID,
		RequestType:          string(reqs.Type),
		RequiredCapabilities: reqs.Capabilities,
		CandidateCount:       sel.Candidates,
		Decision:             sel.Decision,
		Strategy:             e.cfg.Strategy,
		RoutingTimeMs:        float64(elapsed) / float64(time.Millisecond),
		Success:              sel.Provider != nil,
	}
	if sel.Provider != nil {
		entry.SelectedProviderID = sel.Provider.ID()
	} else {
		entry.Decision = "none"
	}
	e.perf.AppendHistory(entry)
}

// UpdateProviderPerformance folds one call outcome into the shared cache.
func (e *Engine) UpdateProviderPerformance(providerID string, responseTime time.Duration, success bool, errorType string) {
	e.perf.RecordOutcome(providerID, responseTime, success, errorType)
}
