// =============================================================================
// 📦 AIRelay 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AIRELAY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是路由服务的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Providers 是路由可调度的上游 Provider 配置集合
	Providers map[string]ProviderEndpointConfig `yaml:"providers" env:"PROVIDERS"`

	// Router 配置路由引擎
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Failover 配置故障转移管理器
	Failover FailoverConfig `yaml:"failover" env:"FAILOVER"`

	// Budget 配置令牌/成本预算（启用 cost routing 时生效）
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// JWT 配置 Bearer Token 鉴权（与 Server.APIKeys 二选一或并用）
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// ProviderEndpointConfig describes one upstream provider entry under the
// `providers:` map — the adapter name, capability advertisement, and
// priority/rate-limit knobs the provider registry and routing engine read.
type ProviderEndpointConfig struct {
	// Adapter selects the concrete transport: "openai", "anthropic", or a
	// generic name resolved through llm/providers/openaicompat.
	Adapter string `yaml:"adapter" env:"ADAPTER"`
	// DisplayName is the human-readable name surfaced in NormalizedEnvelope metadata.
	DisplayName string `yaml:"display_name" env:"DISPLAY_NAME"`
	APIKey      string `yaml:"api_key" env:"API_KEY"`
	BaseURL     string `yaml:"base_url" env:"BASE_URL"`
	ModelsURL   string `yaml:"models_url" env:"MODELS_URL"`
	Model       string `yaml:"model" env:"MODEL"`
	Priority    int    `yaml:"priority" env:"PRIORITY"`
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`

	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`

	RequestsPerMinute int `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	TokensPerMinute   int `yaml:"tokens_per_minute" env:"TOKENS_PER_MINUTE"`

	// Capabilities advertised by this provider.
	Capabilities ProviderCapabilitiesConfig `yaml:"capabilities" env:"CAPABILITIES"`
}

// ProviderCapabilitiesConfig mirrors llm.ProviderCapabilities for YAML/env decoding.
type ProviderCapabilitiesConfig struct {
	Thinking        bool `yaml:"thinking" env:"THINKING"`
	Vision          bool `yaml:"vision" env:"VISION"`
	Tools           bool `yaml:"tools" env:"TOOLS"`
	Streaming       bool `yaml:"streaming" env:"STREAMING"`
	SystemMessages  bool `yaml:"system_messages" env:"SYSTEM_MESSAGES"`
	Temperature     bool `yaml:"temperature" env:"TEMPERATURE"`
	TopP            bool `yaml:"top_p" env:"TOP_P"`
	MaxTokens       int  `yaml:"max_tokens" env:"MAX_TOKENS"`
	MaxOutputTokens int  `yaml:"max_output_tokens" env:"MAX_OUTPUT_TOKENS"`
}

// RouterConfig configures the Routing Engine.
type RouterConfig struct {
	EnablePerformanceRouting bool `yaml:"enable_performance_routing" env:"ENABLE_PERFORMANCE_ROUTING"`
	EnableCostRouting        bool `yaml:"enable_cost_routing" env:"ENABLE_COST_ROUTING"`
	EnableHealthRouting      bool `yaml:"enable_health_routing" env:"ENABLE_HEALTH_ROUTING"`
	EnableFallback           bool `yaml:"enable_fallback" env:"ENABLE_FALLBACK"`
	MaxProviderAttempts      int  `yaml:"max_provider_attempts" env:"MAX_PROVIDER_ATTEMPTS"`

	// CapabilityPreferences maps a capability name to an ordered list of
	// preferred provider IDs.
	CapabilityPreferences map[string][]string `yaml:"capability_preferences" env:"CAPABILITY_PREFERENCES"`
}

// FailoverConfig configures the Failover Manager.
type FailoverConfig struct {
	MaxRetriesPerProvider   int           `yaml:"max_retries_per_provider" env:"MAX_RETRIES_PER_PROVIDER"`
	MaxTotalRetries         int           `yaml:"max_total_retries" env:"MAX_TOTAL_RETRIES"`
	InitialRetryDelay       time.Duration `yaml:"initial_retry_delay" env:"INITIAL_RETRY_DELAY"`
	MaxRetryDelay           time.Duration `yaml:"max_retry_delay" env:"MAX_RETRY_DELAY"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	EnableJitter            bool          `yaml:"enable_jitter" env:"ENABLE_JITTER"`
	JitterFactor            float64       `yaml:"jitter_factor" env:"JITTER_FACTOR"`
	EnableCircuitBreaker    bool          `yaml:"enable_circuit_breaker" env:"ENABLE_CIRCUIT_BREAKER"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold" env:"CIRCUIT_BREAKER_THRESHOLD"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout" env:"CIRCUIT_BREAKER_TIMEOUT"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	EnableIntelligentFailover bool     `yaml:"enable_intelligent_failover" env:"ENABLE_INTELLIGENT_FAILOVER"`
}

// BudgetConfig configures per-minute/hour/day token and cost ceilings
// consumed by llm/budget and the Router's optional cost-routing filter.
type BudgetConfig struct {
	Enabled            bool    `yaml:"enabled" env:"ENABLED"`
	MaxTokensPerMinute int     `yaml:"max_tokens_per_minute" env:"MAX_TOKENS_PER_MINUTE"`
	MaxTokensPerHour   int     `yaml:"max_tokens_per_hour" env:"MAX_TOKENS_PER_HOUR"`
	MaxTokensPerDay    int     `yaml:"max_tokens_per_day" env:"MAX_TOKENS_PER_DAY"`
	MaxCostPerDay      float64 `yaml:"max_cost_per_day" env:"MAX_COST_PER_DAY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲连接超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 入口限流：每秒请求数（0 表示不限流）
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 入口限流：突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 有效的 API Key 列表（配置注入，无持久化存储）
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 是否允许通过查询参数传递 API Key
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
}

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	// 是否启用 JWT 鉴权
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// HMAC (HS256) 密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// RSA (RS256) 公钥（PEM 格式）
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	// 预期的 issuer（可选）
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 预期的 audience（可选）
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AIRELAY",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	if c.Failover.JitterFactor < 0 || c.Failover.JitterFactor > 1 {
		errs = append(errs, "failover jitter_factor must be between 0 and 1")
	}
	if c.Failover.BackoffMultiplier < 1 {
		errs = append(errs, "failover backoff_multiplier must be >= 1")
	}
	if c.Failover.MaxTotalRetries <= 0 {
		errs = append(errs, "failover max_total_retries must be positive")
	}

	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.Capabilities.MaxTokens < 1 {
			errs = append(errs, fmt.Sprintf("provider %s: capabilities.max_tokens must be at least 1", id))
		}
		if p.Adapter == "" {
			errs = append(errs, fmt.Sprintf("provider %s: adapter is required", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
