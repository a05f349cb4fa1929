// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 持有路由服务的全部 Prometheus 指标
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	// 路由指标
	routingDecisionsTotal *prometheus.CounterVec
	routingDuration       *prometheus.HistogramVec
	routingNoCandidate    prometheus.Counter

	// 故障转移指标
	failoverAttemptsTotal *prometheus.CounterVec
	failoverExhausted     prometheus.Counter

	// 熔断器指标
	breakerTransitionsTotal *prometheus.CounterVec
	breakerRejectionsTotal  *prometheus.CounterVec

	// 响应规整指标
	prettifierToolCalls     *prometheus.CounterVec
	prettifierThinking      prometheus.Counter
	prettifierParseErrors   *prometheus.CounterVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// LLM 指标
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_total",
			Help:      "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	// 路由指标
	c.routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total routing decisions by strategy tag",
		},
		[]string{"strategy", "provider"},
	)

	c.routingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_duration_seconds",
			Help:      "Provider selection duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"request_type"},
	)

	c.routingNoCandidate = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_no_candidate_total",
			Help:      "Requests for which no provider qualified",
		},
	)

	// 故障转移指标
	c.failoverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_attempts_total",
			Help:      "Failover attempts by provider and error category",
		},
		[]string{"provider", "error_category"},
	)

	c.failoverExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_exhausted_total",
			Help:      "Requests that exhausted every failover attempt",
		},
	)

	// 熔断器指标
	c.breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	c.breakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Requests rejected by an open circuit breaker",
		},
		[]string{"provider"},
	)

	// 响应规整指标
	c.prettifierToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prettifier_tool_calls_total",
			Help:      "Tool calls extracted from provider responses",
		},
		[]string{"source"}, // source: json, xml
	)

	c.prettifierThinking = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prettifier_thinking_blocks_total",
			Help:      "Thinking blocks extracted from provider responses",
		},
	)

	c.prettifierParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prettifier_errors_total",
			Help:      "Prettifier failures by kind",
		},
		[]string{"kind"}, // kind: input_too_large, xml_validation, parse
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.llmCost.WithLabelValues(provider, model).Add(cost)
}

// =============================================================================
// 🧭 路由与故障转移指标记录
// =============================================================================

// RecordRoutingDecision 记录一次路由决策；decision 形如 "capability:P1"
func (c *Collector) RecordRoutingDecision(decision, provider, requestType string, duration time.Duration) {
	strategy := decision
	for i := 0; i < len(decision); i++ {
		if decision[i] == ':' {
			strategy = decision[:i]
			break
		}
	}
	c.routingDecisionsTotal.WithLabelValues(strategy, provider).Inc()
	c.routingDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// RecordNoCandidate 记录无可用 Provider 的请求
func (c *Collector) RecordNoCandidate() {
	c.routingNoCandidate.Inc()
}

// RecordFailoverAttempt 记录一次故障转移尝试
func (c *Collector) RecordFailoverAttempt(provider, errorCategory string) {
	c.failoverAttemptsTotal.WithLabelValues(provider, errorCategory).Inc()
}

// RecordFailoverExhausted 记录尝试预算耗尽的请求
func (c *Collector) RecordFailoverExhausted() {
	c.failoverExhausted.Inc()
}

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(provider, from, to string) {
	c.breakerTransitionsTotal.WithLabelValues(provider, from, to).Inc()
}

// RecordBreakerRejection 记录被熔断器拒绝的请求
func (c *Collector) RecordBreakerRejection(provider string) {
	c.breakerRejectionsTotal.WithLabelValues(provider).Inc()
}

// =============================================================================
// 🧹 响应规整指标记录
// =============================================================================

// RecordPrettifierExtraction 记录一次响应规整的抽取结果
func (c *Collector) RecordPrettifierExtraction(jsonToolCalls, xmlToolCalls int, thinkingExtracted bool) {
	if jsonToolCalls > 0 {
		c.prettifierToolCalls.WithLabelValues("json").Add(float64(jsonToolCalls))
	}
	if xmlToolCalls > 0 {
		c.prettifierToolCalls.WithLabelValues("xml").Add(float64(xmlToolCalls))
	}
	if thinkingExtracted {
		c.prettifierThinking.Inc()
	}
}

// RecordPrettifierError 记录响应规整失败
func (c *Collector) RecordPrettifierError(kind string) {
	c.prettifierParseErrors.WithLabelValues(kind).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
