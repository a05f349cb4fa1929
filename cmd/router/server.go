// Package main provides the AIRelay router server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/airelay/router/api/handlers"
	"github.com/airelay/router/config"
	"github.com/airelay/router/internal/metrics"
	"github.com/airelay/router/internal/server"
	"github.com/airelay/router/internal/telemetry"
	"github.com/airelay/router/llm"
	"github.com/airelay/router/llm/budget"
	"github.com/airelay/router/llm/cache"
	"github.com/airelay/router/llm/factory"
	"github.com/airelay/router/llm/failover"
	"github.com/airelay/router/llm/prettifier"
	"github.com/airelay/router/llm/providers"
	"github.com/airelay/router/llm/relay"
	"github.com/airelay/router/llm/router"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是路由服务的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 路由核心
	registry *llm.ProviderRegistry
	engine   *router.Engine
	failover *failover.Manager
	relaySvc *relay.Service
	budget   *budget.TokenBudgetManager

	// Handlers
	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	monitorCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("airelay", s.logger)

	// 2. 装配路由核心
	if err := s.initRouterCore(); err != nil {
		return fmt.Errorf("failed to init router core: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("providers", s.registry.Len()),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initRouterCore 装配注册表、路由引擎、故障转移管理器与规整器
func (s *Server) initRouterCore() error {
	// Provider 注册表
	regCfg := factory.RegistryConfig{Providers: make(map[string]factory.ProviderConfig, len(s.cfg.Providers))}
	for id, pc := range s.cfg.Providers {
		enabled := pc.Enabled
		caps := llm.ProviderCapabilities{
			Thinking:        pc.Capabilities.Thinking,
			Vision:          pc.Capabilities.Vision,
			Tools:           pc.Capabilities.Tools,
			Streaming:       pc.Capabilities.Streaming,
			SystemMessages:  pc.Capabilities.SystemMessages,
			Temperature:     pc.Capabilities.Temperature,
			TopP:            pc.Capabilities.TopP,
			MaxTokens:       pc.Capabilities.MaxTokens,
			MaxOutputTokens: pc.Capabilities.MaxOutputTokens,
		}
		regCfg.Providers[id] = factory.ProviderConfig{
			Type:         pc.Adapter,
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			Model:        pc.Model,
			Timeout:      pc.Timeout,
			DisplayName:  pc.DisplayName,
			Priority:     pc.Priority,
			Enabled:      &enabled,
			Capabilities: &caps,
			RateLimits: providers.RateLimits{
				RequestsPerMinute: pc.RequestsPerMinute,
				TokensPerMinute:   pc.TokensPerMinute,
			},
			MaxRetries: pc.MaxRetries,
			RetryDelay: pc.RetryDelay,
		}
	}

	registry, err := factory.NewRegistryFromConfig(regCfg, s.logger)
	if err != nil {
		return err
	}
	s.registry = registry

	// 路由引擎
	routerCfg := router.Config{
		EnablePerformanceRouting: s.cfg.Router.EnablePerformanceRouting,
		EnableCostRouting:        s.cfg.Router.EnableCostRouting,
		EnableHealthRouting:      s.cfg.Router.EnableHealthRouting,
		EnableFallback:           s.cfg.Router.EnableFallback,
		MaxProviderAttempts:      s.cfg.Router.MaxProviderAttempts,
		CapabilityPreferences:    make(map[llm.Capability][]string, len(s.cfg.Router.CapabilityPreferences)),
	}
	for capName, ids := range s.cfg.Router.CapabilityPreferences {
		routerCfg.CapabilityPreferences[llm.Capability(capName)] = ids
	}
	s.engine = router.New(routerCfg, registry, cache.NewPerformanceCache(), s.logger)

	// 成本预算闸门
	if s.cfg.Budget.Enabled {
		s.budget = budget.NewTokenBudgetManager(budget.BudgetConfig{
			MaxTokensPerMinute: s.cfg.Budget.MaxTokensPerMinute,
			MaxTokensPerHour:   s.cfg.Budget.MaxTokensPerHour,
			MaxTokensPerDay:    s.cfg.Budget.MaxTokensPerDay,
			MaxCostPerDay:      s.cfg.Budget.MaxCostPerDay,
			AlertThreshold:     0.8,
		}, s.logger)
		s.engine.SetCostGate(&budgetGate{manager: s.budget})
	}

	// 故障转移管理器
	failoverCfg := &failover.Config{
		MaxRetriesPerProvider:     s.cfg.Failover.MaxRetriesPerProvider,
		MaxTotalRetries:           s.cfg.Failover.MaxTotalRetries,
		InitialRetryDelay:         s.cfg.Failover.InitialRetryDelay,
		MaxRetryDelay:             s.cfg.Failover.MaxRetryDelay,
		BackoffMultiplier:         s.cfg.Failover.BackoffMultiplier,
		EnableJitter:              s.cfg.Failover.EnableJitter,
		JitterFactor:              s.cfg.Failover.JitterFactor,
		EnableCircuitBreaker:      s.cfg.Failover.EnableCircuitBreaker,
		CircuitBreakerThreshold:   s.cfg.Failover.CircuitBreakerThreshold,
		CircuitBreakerTimeout:     s.cfg.Failover.CircuitBreakerTimeout,
		HealthCheckInterval:       s.cfg.Failover.HealthCheckInterval,
		EnableIntelligentFailover: s.cfg.Failover.EnableIntelligentFailover,
		OnBreakerStateChange:      s.metricsCollector.RecordBreakerTransition,
	}
	s.failover = failover.New(failoverCfg, s.engine, s.logger)

	// 响应规整器 + 编排层
	pretty := prettifier.New(prettifier.DefaultOptions(), s.logger)
	s.relaySvc = relay.New(s.engine, s.failover, pretty, s.logger)

	// 周期性健康检查
	monitorCtx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	registry.StartHealthMonitoring(monitorCtx, s.cfg.Failover.HealthCheckInterval)

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(
		handlers.NewProviderRegistryHealthCheck("providers", s.registry))

	s.chatHandler = handlers.NewChatHandler(s.relaySvc, s.logger)

	s.logger.Info("Handlers initialized")
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 聊天补全端点（stream=true 时在 handler 内切换 SSE）
	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)

	// 配置管理 API
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// 中间件链
	ctx := context.Background()
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.JWT.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger))
	}
	middlewares = append(middlewares,
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger))

	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器（排空在途请求）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 停止健康监控并释放 Provider 资源
	if s.monitorCancel != nil {
		s.monitorCancel()
	}
	if s.registry != nil {
		s.registry.Shutdown()
	}

	// 5. 关闭遥测导出器
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔧 辅助
// =============================================================================

// budgetGate adapts the token budget manager to the routing engine's cost
// gate: requests whose estimate would blow the current window are vetoed.
type budgetGate struct {
	manager *budget.TokenBudgetManager
}

func (g *budgetGate) Allow(providerID string, estimatedTokens int) bool {
	return g.manager.CheckBudget(context.Background(), estimatedTokens, 0) == nil
}
