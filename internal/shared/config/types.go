package config

import "time"

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceDotEnv   ValueSource = "dotenv"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultAgentTimeout        = 30 * time.Second
	DefaultMaxConcurrentAgents = 0
	DefaultMaxRetries          = 3
	DefaultRetryMinDelay       = 1 * time.Second
	DefaultRetryMaxDelay       = 10 * time.Second
	DefaultRetryMultiplier     = 2.0
	DefaultCacheTTL            = time.Hour
	DefaultCacheMaxEntries     = 4096
	DefaultSweepSchedule       = "@every 5m"
	DefaultSweepTimeoutMinutes = 30
	DefaultTimingThreshold     = 5 * time.Minute
	DefaultTimingTTL           = time.Hour
	DefaultMetricsAddr         = ":9464"
	DefaultServiceName         = "chainreport"
)

// RateLimitRule bounds a service to MaxRequests admissions per WindowSeconds.
type RateLimitRule struct {
	MaxRequests   int `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// Window returns the rule window as a duration.
func (r RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type RetryConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	MinDelay   time.Duration `json:"min_delay" yaml:"min_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
}

type CacheConfig struct {
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
}

// RedisConfig configures the shared low-latency store. An empty Addr selects
// the in-process fallbacks.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type SweepConfig struct {
	Schedule       string `json:"schedule" yaml:"schedule"`
	TimeoutMinutes int    `json:"timeout_minutes" yaml:"timeout_minutes"`
}

type TimingConfig struct {
	Threshold time.Duration `json:"threshold" yaml:"threshold"`
	TTL       time.Duration `json:"ttl" yaml:"ttl"`
}

// TracingConfig selects the span exporter. Exporter is one of "", "none",
// "otlp" or "zipkin".
type TracingConfig struct {
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

type ObservabilityConfig struct {
	ServiceName string        `json:"service_name" yaml:"service_name"`
	MetricsAddr string        `json:"metrics_addr" yaml:"metrics_addr"`
	Tracing     TracingConfig `json:"tracing" yaml:"tracing"`
}

// AgentURLPolicy decides which hosts agent URLs may point at. Both default to
// true so local mocks and sidecars work out of the box.
type AgentURLPolicy struct {
	AllowLocalhost       bool `json:"allow_localhost" yaml:"allow_localhost"`
	AllowPrivateNetworks bool `json:"allow_private_networks" yaml:"allow_private_networks"`
}

// AgentConfig declares an HTTP-backed agent. URL may contain {token_id}.
type AgentConfig struct {
	Name              string            `json:"name" yaml:"name"`
	URL               string            `json:"url" yaml:"url"`
	Service           string            `json:"service" yaml:"service"`
	Timeout           time.Duration     `json:"timeout" yaml:"timeout"`
	Headers           map[string]string `json:"headers" yaml:"headers"`
	Params            map[string]string `json:"params" yaml:"params"`
	RequestsPerSecond float64           `json:"requests_per_second" yaml:"requests_per_second"`
	Cache             bool              `json:"cache" yaml:"cache"`
	// ResultKey nests the decoded payload under this key when set.
	ResultKey string `json:"result_key" yaml:"result_key"`
}

// Config captures the settings shared by every chainreport binary.
type Config struct {
	AgentTimeout        time.Duration            `json:"agent_timeout" yaml:"agent_timeout"`
	MaxConcurrentAgents int                      `json:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	RateLimits          map[string]RateLimitRule `json:"rate_limits" yaml:"rate_limits"`
	Retry               RetryConfig              `json:"retry" yaml:"retry"`
	Cache               CacheConfig              `json:"cache" yaml:"cache"`
	Redis               RedisConfig              `json:"redis" yaml:"redis"`
	DatabaseURL         string                   `json:"database_url" yaml:"database_url"`
	Sweep               SweepConfig              `json:"sweep" yaml:"sweep"`
	Timing              TimingConfig             `json:"timing" yaml:"timing"`
	Observability       ObservabilityConfig      `json:"observability" yaml:"observability"`
	AdvisorPhrases      []string                 `json:"advisor_phrases" yaml:"advisor_phrases"`
	// AdvisorPhrasesFile holds one phrase per line and replaces AdvisorPhrases.
	AdvisorPhrasesFile string `json:"advisor_phrases_file" yaml:"advisor_phrases_file"`
	// ReportSchemaFile replaces the built-in JSON schema completed reports are
	// checked against.
	ReportSchemaFile string         `json:"report_schema_file" yaml:"report_schema_file"`
	Agents           []AgentConfig  `json:"agents" yaml:"agents"`
	AgentURLs        AgentURLPolicy `json:"agent_urls" yaml:"agent_urls"`
	LogLevel         string         `json:"log_level" yaml:"log_level"`
	// ProxyMode is auto, strict or direct.
	ProxyMode string `json:"proxy_mode" yaml:"proxy_mode"`
	// IDStrategy is ksuid (default) or uuidv7.
	IDStrategy string `json:"id_strategy" yaml:"id_strategy"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AgentTimeout:        DefaultAgentTimeout,
		MaxConcurrentAgents: DefaultMaxConcurrentAgents,
		RateLimits:          map[string]RateLimitRule{},
		Retry: RetryConfig{
			MaxRetries: DefaultMaxRetries,
			MinDelay:   DefaultRetryMinDelay,
			MaxDelay:   DefaultRetryMaxDelay,
			Multiplier: DefaultRetryMultiplier,
		},
		Cache: CacheConfig{
			TTL:        DefaultCacheTTL,
			MaxEntries: DefaultCacheMaxEntries,
		},
		Sweep: SweepConfig{
			Schedule:       DefaultSweepSchedule,
			TimeoutMinutes: DefaultSweepTimeoutMinutes,
		},
		Timing: TimingConfig{
			Threshold: DefaultTimingThreshold,
			TTL:       DefaultTimingTTL,
		},
		Observability: ObservabilityConfig{
			ServiceName: DefaultServiceName,
			MetricsAddr: DefaultMetricsAddr,
			Tracing:     TracingConfig{SampleRatio: 1},
		},
		AgentURLs: AgentURLPolicy{AllowLocalhost: true, AllowPrivateNetworks: true},
		LogLevel:  "info",
	}
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources    map[string]ValueSource
	configPath string
}

// Source returns the origin of a top-level key, defaulting to SourceDefault.
func (m Metadata) Source(key string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if source, ok := m.sources[key]; ok {
		return source
	}
	return SourceDefault
}

// ConfigPath returns the file that was read, if any.
func (m Metadata) ConfigPath() string {
	return m.configPath
}

// EnvLookup resolves environment variables.
type EnvLookup func(string) (string, bool)
