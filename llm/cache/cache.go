// Package cache holds the router's process-local performance state: EMA
// latency and success rates per provider, a bounded ring of routing
// decisions, and per-provider failure timestamps.
//
// Every map entry is mutated under a single short-critical-section mutex;
// EMA updates for the same provider are therefore serialized, which matters
// because they are not commutative.
package cache

import (
	"sync"
	"time"

	"github.com/airelay/router/llm"
)

const (
	// emaAlpha is the smoothing factor for the latency moving average.
	emaAlpha = 0.3

	// historyCapacity bounds the routing-history ring; eviction is FIFO.
	historyCapacity = 1000

	// failureRetention is how long failure timestamps are kept.
	failureRetention = time.Hour

	// RecentFailureWindow is the lookback used for "recent" failure counts.
	RecentFailureWindow = 5 * time.Minute
)

// PerformanceMetrics tracks one provider's observed behavior.
type PerformanceMetrics struct {
	Total              int64          `json:"total"`
	Success            int64          `json:"success"`
	Fail               int64          `json:"fail"`
	AvgResponseTimeMs  float64        `json:"avg_response_time_ms"`
	SuccessRatePercent float64        `json:"success_rate_percent"`
	LastUpdated        time.Time      `json:"last_updated"`
	ErrorTypes         map[string]int `json:"error_types"`
}

func (m *PerformanceMetrics) clone() PerformanceMetrics {
	out := *m
	out.ErrorTypes = make(map[string]int, len(m.ErrorTypes))
	for k, v := range m.ErrorTypes {
		out.ErrorTypes[k] = v
	}
	return out
}

// RoutingHistoryEntry records one routing decision.
type RoutingHistoryEntry struct {
	Timestamp            time.Time        `json:"timestamp"`
	RequestID            string           `json:"request_id"`
	RequestType          string           `json:"request_type"`
	RequiredCapabilities []llm.Capability `json:"required_capabilities"`
	CandidateCount       int              `json:"candidate_count"`
	SelectedProviderID   string           `json:"selected_provider_id,omitempty"`
	Decision             string           `json:"decision"`
	Strategy             string           `json:"strategy,omitempty"`
	RoutingTimeMs        float64          `json:"routing_time_ms"`
	Success              bool             `json:"success"`
}

// Statistics is the aggregate view returned by GetStatistics.
type Statistics struct {
	TotalRequests      int64                         `json:"total_requests"`
	TotalSuccess       int64                         `json:"total_success"`
	TotalFail          int64                         `json:"total_fail"`
	AvgResponseTimeMs  float64                       `json:"avg_response_time_ms"`
	ProviderMetrics    map[string]PerformanceMetrics `json:"provider_metrics"`
	ProviderUsage      map[string]int                `json:"provider_usage"`
	RecentFailures     map[string]int                `json:"recent_failures"`
	HistoryLen         int                           `json:"history_len"`
	HistoryCapacity    int                           `json:"history_capacity"`
}

// PerformanceCache is the process-local store. The zero value is not
// usable; construct with NewPerformanceCache.
type PerformanceCache struct {
	mu       sync.Mutex
	metrics  map[string]*PerformanceMetrics
	failures map[string][]time.Time

	// history is a fixed-capacity ring: head is the index of the oldest
	// entry, size the number of live entries.
	history []RoutingHistoryEntry
	head    int
	size    int
}

// NewPerformanceCache creates an empty cache.
func NewPerformanceCache() *PerformanceCache {
	return &PerformanceCache{
		metrics:  make(map[string]*PerformanceMetrics),
		failures: make(map[string][]time.Time),
		history:  make([]RoutingHistoryEntry, historyCapacity),
	}
}

// RecordOutcome folds one provider call result into the metrics: counters,
// latency EMA, success rate, and (on failure) the keyed error count plus a
// failure timestamp.
func (c *PerformanceCache) RecordOutcome(providerID string, responseTime time.Duration, success bool, errorType string) {
	now := time.Now()
	sampleMs := float64(responseTime) / float64(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.metrics[providerID]
	if !ok {
		m = &PerformanceMetrics{ErrorTypes: make(map[string]int)}
		c.metrics[providerID] = m
	}

	m.Total++
	if success {
		m.Success++
	} else {
		m.Fail++
		if errorType != "" {
			m.ErrorTypes[errorType]++
		}
		c.failures[providerID] = pruneBefore(
			append(c.failures[providerID], now), now.Add(-failureRetention))
	}

	// First sample seeds the EMA directly; zero is not a valid average.
	if m.AvgResponseTimeMs == 0 {
		m.AvgResponseTimeMs = sampleMs
	} else {
		m.AvgResponseTimeMs = emaAlpha*sampleMs + (1-emaAlpha)*m.AvgResponseTimeMs
	}
	if m.AvgResponseTimeMs < 0 {
		m.AvgResponseTimeMs = 0
	}

	m.SuccessRatePercent = float64(m.Success) / float64(m.Total) * 100
	m.LastUpdated = now
}

// Metrics returns a copy of one provider's metrics.
func (c *PerformanceCache) Metrics(providerID string) (PerformanceMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[providerID]
	if !ok {
		return PerformanceMetrics{}, false
	}
	return m.clone(), true
}

// AllMetrics returns a copy of every provider's metrics.
func (c *PerformanceCache) AllMetrics() map[string]PerformanceMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]PerformanceMetrics, len(c.metrics))
	for id, m := range c.metrics {
		out[id] = m.clone()
	}
	return out
}

// AppendHistory records a routing decision, evicting the oldest entry once
// the ring is full.
func (c *PerformanceCache) AppendHistory(e RoutingHistoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size < historyCapacity {
		c.history[(c.head+c.size)%historyCapacity] = e
		c.size++
		return
	}
	c.history[c.head] = e
	c.head = (c.head + 1) % historyCapacity
}

// History returns the routing history oldest-first.
func (c *PerformanceCache) History() []RoutingHistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RoutingHistoryEntry, c.size)
	for i := 0; i < c.size; i++ {
		out[i] = c.history[(c.head+i)%historyCapacity]
	}
	return out
}

// RecentFailureCount reports how many failures the provider accrued inside
// the window ending now.
func (c *PerformanceCache) RecentFailureCount(providerID string, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.failures[providerID] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// GetStatistics aggregates the cache into a reporting snapshot.
func (c *PerformanceCache) GetStatistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Statistics{
		ProviderMetrics: make(map[string]PerformanceMetrics, len(c.metrics)),
		ProviderUsage:   make(map[string]int),
		RecentFailures:  make(map[string]int, len(c.failures)),
		HistoryLen:      c.size,
		HistoryCapacity: historyCapacity,
	}

	var weightedMs float64
	for id, m := range c.metrics {
		stats.TotalRequests += m.Total
		stats.TotalSuccess += m.Success
		stats.TotalFail += m.Fail
		weightedMs += m.AvgResponseTimeMs * float64(m.Total)
		stats.ProviderMetrics[id] = m.clone()
	}
	if stats.TotalRequests > 0 {
		stats.AvgResponseTimeMs = weightedMs / float64(stats.TotalRequests)
	}

	for i := 0; i < c.size; i++ {
		e := c.history[(c.head+i)%historyCapacity]
		if e.SelectedProviderID != "" {
			stats.ProviderUsage[e.SelectedProviderID]++
		}
	}

	cutoff := time.Now().Add(-RecentFailureWindow)
	for id, ts := range c.failures {
		n := 0
		for _, t := range ts {
			if t.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			stats.RecentFailures[id] = n
		}
	}

	return stats
}

// Clear resets every metric, the history ring, and the failure log.
func (c *PerformanceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = make(map[string]*PerformanceMetrics)
	c.failures = make(map[string][]time.Time)
	c.history = make([]RoutingHistoryEntry, historyCapacity)
	c.head, c.size = 0, 0
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
