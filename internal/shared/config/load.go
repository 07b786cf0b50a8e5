package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Overrides are applied after every other source. Nil fields are ignored.
type Overrides struct {
	AgentTimeout        *time.Duration
	MaxConcurrentAgents *int
	DatabaseURL         *string
	RedisAddr           *string
	SweepTimeoutMinutes *int
	LogLevel            *string
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	dotEnvPath string
	overrides  Overrides
}

// WithConfigPath selects an explicit YAML file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithEnvLookup replaces the process environment lookup, mainly for tests.
func WithEnvLookup(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.envLookup = lookup
		}
	}
}

// WithDotEnvPath reads an additional .env file. Its values sit below the
// process environment and never mutate it.
func WithDotEnvPath(path string) Option {
	return func(o *loadOptions) { o.dotEnvPath = path }
}

// WithFileReader replaces os.ReadFile.
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		if read != nil {
			o.readFile = read
		}
	}
}

// WithHomeDir replaces os.UserHomeDir when resolving the default path.
func WithHomeDir(home func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = home }
}

// WithOverrides applies caller overrides last.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// Load resolves configuration from defaults, the YAML file, the optional .env
// file, the process environment and caller overrides, in that order.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()
	meta := Metadata{sources: map[string]ValueSource{}}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}

	dotEnv, err := readDotEnv(options.dotEnvPath)
	if err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options.envLookup, dotEnv); err != nil {
		return Config{}, Metadata{}, err
	}

	applyOverrides(&cfg, &meta, options.overrides)
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func applyFile(cfg *Config, meta *Metadata, options loadOptions) error {
	configPath := strings.TrimSpace(options.configPath)
	explicit := configPath != ""
	if !explicit {
		configPath, _ = ResolveConfigPath(options.envLookup, options.homeDir)
	}
	if configPath == "" {
		return nil
	}

	data, err := options.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	meta.configPath = configPath
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	data = expandEnvRefs(options.envLookup, data)

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	for key := range keys {
		meta.sources[key] = SourceFile
	}
	return nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvRefs substitutes ${VAR} references; unknown variables expand to "".
func expandEnvRefs(lookup EnvLookup, data []byte) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envRefPattern.FindSubmatch(match)[1])
		value, _ := lookup(name)
		return []byte(value)
	})
}

func readDotEnv(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dotenv file: %w", err)
	}
	return values, nil
}

type envBinding struct {
	key   string
	env   []string
	apply func(cfg *Config, value string) error
}

var envBindings = []envBinding{
	{key: "agent_timeout", env: []string{"CHAINREPORT_AGENT_TIMEOUT"}, apply: func(cfg *Config, v string) error {
		return parseDuration(v, &cfg.AgentTimeout)
	}},
	{key: "max_concurrent_agents", env: []string{"CHAINREPORT_MAX_CONCURRENT_AGENTS"}, apply: func(cfg *Config, v string) error {
		return parseInt(v, &cfg.MaxConcurrentAgents)
	}},
	{key: "database_url", env: []string{"CHAINREPORT_DATABASE_URL", "DATABASE_URL"}, apply: func(cfg *Config, v string) error {
		cfg.DatabaseURL = v
		return nil
	}},
	{key: "redis", env: []string{"CHAINREPORT_REDIS_ADDR"}, apply: func(cfg *Config, v string) error {
		cfg.Redis.Addr = v
		return nil
	}},
	{key: "redis", env: []string{"CHAINREPORT_REDIS_PASSWORD"}, apply: func(cfg *Config, v string) error {
		cfg.Redis.Password = v
		return nil
	}},
	{key: "redis", env: []string{"CHAINREPORT_REDIS_DB"}, apply: func(cfg *Config, v string) error {
		return parseInt(v, &cfg.Redis.DB)
	}},
	{key: "retry", env: []string{"CHAINREPORT_MAX_RETRIES"}, apply: func(cfg *Config, v string) error {
		return parseInt(v, &cfg.Retry.MaxRetries)
	}},
	{key: "retry", env: []string{"CHAINREPORT_RETRY_MIN_DELAY"}, apply: func(cfg *Config, v string) error {
		return parseDuration(v, &cfg.Retry.MinDelay)
	}},
	{key: "retry", env: []string{"CHAINREPORT_RETRY_MAX_DELAY"}, apply: func(cfg *Config, v string) error {
		return parseDuration(v, &cfg.Retry.MaxDelay)
	}},
	{key: "cache", env: []string{"CHAINREPORT_CACHE_TTL"}, apply: func(cfg *Config, v string) error {
		return parseDuration(v, &cfg.Cache.TTL)
	}},
	{key: "sweep", env: []string{"CHAINREPORT_SWEEP_SCHEDULE"}, apply: func(cfg *Config, v string) error {
		cfg.Sweep.Schedule = v
		return nil
	}},
	{key: "sweep", env: []string{"CHAINREPORT_SWEEP_TIMEOUT_MINUTES"}, apply: func(cfg *Config, v string) error {
		return parseInt(v, &cfg.Sweep.TimeoutMinutes)
	}},
	{key: "timing", env: []string{"CHAINREPORT_TIMING_THRESHOLD"}, apply: func(cfg *Config, v string) error {
		return parseDuration(v, &cfg.Timing.Threshold)
	}},
	{key: "observability", env: []string{"CHAINREPORT_METRICS_ADDR"}, apply: func(cfg *Config, v string) error {
		cfg.Observability.MetricsAddr = v
		return nil
	}},
	{key: "observability", env: []string{"CHAINREPORT_TRACING_EXPORTER"}, apply: func(cfg *Config, v string) error {
		cfg.Observability.Tracing.Exporter = v
		return nil
	}},
	{key: "observability", env: []string{"CHAINREPORT_TRACING_ENDPOINT"}, apply: func(cfg *Config, v string) error {
		cfg.Observability.Tracing.Endpoint = v
		return nil
	}},
	{key: "proxy_mode", env: []string{"CHAINREPORT_PROXY_MODE"}, apply: func(cfg *Config, v string) error {
		cfg.ProxyMode = v
		return nil
	}},
	{key: "id_strategy", env: []string{"CHAINREPORT_ID_STRATEGY"}, apply: func(cfg *Config, v string) error {
		cfg.IDStrategy = v
		return nil
	}},
	{key: "log_level", env: []string{"CHAINREPORT_LOG_LEVEL"}, apply: func(cfg *Config, v string) error {
		cfg.LogLevel = v
		return nil
	}},
}

func applyEnv(cfg *Config, meta *Metadata, lookup EnvLookup, dotEnv map[string]string) error {
	for _, binding := range envBindings {
		for _, name := range binding.env {
			value, source, ok := lookupLayered(lookup, dotEnv, name)
			if !ok {
				continue
			}
			if err := binding.apply(cfg, value); err != nil {
				return fmt.Errorf("env %s: %w", name, err)
			}
			meta.sources[binding.key] = source
			break
		}
	}
	return nil
}

func lookupLayered(lookup EnvLookup, dotEnv map[string]string, name string) (string, ValueSource, bool) {
	if value, ok := lookup(name); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed, SourceEnv, true
		}
	}
	if value, ok := dotEnv[name]; ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed, SourceDotEnv, true
		}
	}
	return "", "", false
}

func applyOverrides(cfg *Config, meta *Metadata, overrides Overrides) {
	if overrides.AgentTimeout != nil {
		cfg.AgentTimeout = *overrides.AgentTimeout
		meta.sources["agent_timeout"] = SourceOverride
	}
	if overrides.MaxConcurrentAgents != nil {
		cfg.MaxConcurrentAgents = *overrides.MaxConcurrentAgents
		meta.sources["max_concurrent_agents"] = SourceOverride
	}
	if overrides.DatabaseURL != nil {
		cfg.DatabaseURL = *overrides.DatabaseURL
		meta.sources["database_url"] = SourceOverride
	}
	if overrides.RedisAddr != nil {
		cfg.Redis.Addr = *overrides.RedisAddr
		meta.sources["redis"] = SourceOverride
	}
	if overrides.SweepTimeoutMinutes != nil {
		cfg.Sweep.TimeoutMinutes = *overrides.SweepTimeoutMinutes
		meta.sources["sweep"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
		meta.sources["log_level"] = SourceOverride
	}
}

func normalize(cfg *Config) {
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	cfg.Sweep.Schedule = strings.TrimSpace(cfg.Sweep.Schedule)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.IDStrategy = strings.ToLower(strings.TrimSpace(cfg.IDStrategy))
	cfg.Observability.Tracing.Exporter = strings.ToLower(strings.TrimSpace(cfg.Observability.Tracing.Exporter))
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitRule{}
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = DefaultServiceName
	}
	for i := range cfg.Agents {
		cfg.Agents[i].Name = strings.TrimSpace(cfg.Agents[i].Name)
		cfg.Agents[i].URL = strings.TrimSpace(cfg.Agents[i].URL)
		if cfg.Agents[i].Service == "" {
			cfg.Agents[i].Service = cfg.Agents[i].Name
		}
	}
}

func parseDuration(value string, dst *time.Duration) error {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		*dst = time.Duration(seconds * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func parseInt(value string, dst *int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}
