package di

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chainreport/internal/app/narrative"
	"chainreport/internal/app/orchestrator"
	"chainreport/internal/app/pipeline"
	"chainreport/internal/app/reportstate"
	"chainreport/internal/app/summary"
	"chainreport/internal/app/sweeper"
	"chainreport/internal/app/timetracker"
	"chainreport/internal/app/validation"
	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/infra/agents"
	"chainreport/internal/infra/cache"
	"chainreport/internal/infra/httpclient"
	"chainreport/internal/infra/kv"
	"chainreport/internal/infra/observability"
	"chainreport/internal/infra/ratelimit"
	"chainreport/internal/infra/reportstore"
	"chainreport/internal/shared/config"
	"chainreport/internal/shared/logging"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Option overrides a dependency the builder would otherwise create.
type Option func(*containerBuilder)

// WithReportStore replaces the configured report store.
func WithReportStore(store reportdomain.Store) Option {
	return func(b *containerBuilder) { b.store = store }
}

// WithRedisClient uses client for shared counters and caching. The caller
// keeps ownership and closes it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(b *containerBuilder) { b.redis = client }
}

// WithHTTPClient replaces the HTTP client shared by configured agents.
func WithHTTPClient(client *http.Client) Option {
	return func(b *containerBuilder) { b.httpClient = client }
}

func WithLogger(logger logging.Logger) Option {
	return func(b *containerBuilder) { b.logger = logging.OrNop(logger) }
}

// WithTracerOption forwards opt to the tracer provider.
func WithTracerOption(opt observability.TracerOption) Option {
	return func(b *containerBuilder) { b.tracerOpts = append(b.tracerOpts, opt) }
}

type containerBuilder struct {
	cfg        config.Config
	logger     logging.Logger
	store      reportdomain.Store
	redis      redis.UniversalClient
	httpClient *http.Client
	tracerOpts []observability.TracerOption
}

type postgresInitError struct {
	step string
	err  error
}

func (e postgresInitError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.step, e.err)
}

func (e postgresInitError) Unwrap() error {
	return e.err
}

// BuildContainer wires every component for cfg. Nothing runs in the
// background until Start is called.
func BuildContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	b := &containerBuilder{
		cfg:    cfg,
		logger: logging.NewComponentLogger("DI"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.Build(ctx)
}

func (b *containerBuilder) Build(ctx context.Context) (*Container, error) {
	c := &Container{Config: b.cfg, logger: b.logger}

	metrics, err := observability.NewMetricsCollector()
	if err != nil {
		return nil, err
	}
	c.Metrics = metrics

	tracing, err := observability.NewTracerProvider(ctx, b.cfg.Observability.ServiceName, b.cfg.Observability.Tracing, b.tracerOpts...)
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, err
	}
	c.Tracing = tracing

	store, err := b.buildReportStore(ctx, c)
	if err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}

	kvStore := b.buildKV(c)

	limiterOpts := []ratelimit.Option{ratelimit.WithObserver(metrics)}
	if c.redis != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithRedis(c.redis, rateLimitKeyPrefix))
	}
	c.Limiter = ratelimit.New(ratelimit.RulesFromConfig(b.cfg.RateLimits), limiterOpts...)
	c.Cache = cache.New(kvStore, b.cfg.Cache.TTL, cache.WithObserver(metrics))

	c.State = reportstate.New(store)
	c.Tracker = timetracker.New(kvStore, c.State,
		timetracker.WithThreshold(b.cfg.Timing.Threshold),
		timetracker.WithTTL(b.cfg.Timing.TTL),
	)
	c.Orchestrator = orchestrator.New(c.State,
		orchestrator.WithTimeout(b.cfg.AgentTimeout),
		orchestrator.WithMaxConcurrency(b.cfg.MaxConcurrentAgents),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tracing.Tracer()),
	)
	if err := b.registerAgents(c); err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}

	filter, err := b.buildAdvisorFilter()
	if err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}
	narrator := narrative.NewEngine(nil, narrative.WithAdvisorFilter(filter))

	schema, err := b.buildSchemaChecker()
	if err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}

	c.Pipeline = pipeline.New(c.State, c.Orchestrator,
		pipeline.WithTimer(c.Tracker),
		pipeline.WithNarrator(narrator),
		pipeline.WithSummarizer(summary.NewEngine(logging.NewComponentLogger("Summary"))),
		pipeline.WithSchemaChecker(schema),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tracing.Tracer()),
	)
	c.Sweeper = sweeper.New(c.State, b.cfg.Sweep, sweeper.WithMetrics(metrics))

	b.logger.Info("Container built with %d agent(s)", len(b.cfg.Agents))
	return c, nil
}

func (b *containerBuilder) buildReportStore(ctx context.Context, c *Container) (reportdomain.Store, error) {
	if b.store != nil {
		return b.store, b.store.EnsureSchema(ctx)
	}
	dbURL := strings.TrimSpace(b.cfg.DatabaseURL)
	if dbURL == "" {
		b.logger.Info("Report state kept in memory (no database_url configured)")
		return reportstore.NewMemoryStore(), nil
	}

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, postgresInitError{step: "parse report DB config", err: err}
	}
	poolConfig.MaxConns = defaultPoolMaxConns
	poolConfig.MinConns = defaultPoolMinConns
	poolConfig.MaxConnLifetime = defaultPoolMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultPoolMaxConnIdleTime
	poolConfig.HealthCheckPeriod = defaultPoolHealthCheckPeriod
	poolConfig.ConnConfig.ConnectTimeout = defaultPoolConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, postgresInitError{step: "create report DB pool", err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, postgresInitError{step: "ping report DB", err: err}
	}
	store := reportstore.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, postgresInitError{step: "initialize report schema", err: err}
	}
	c.db = pool
	b.logger.Info("Report state backed by Postgres")
	return store, nil
}

func (b *containerBuilder) buildAdvisorFilter() (*narrative.AdvisorFilter, error) {
	if path := strings.TrimSpace(b.cfg.AdvisorPhrasesFile); path != "" {
		return narrative.LoadAdvisorFilter(path)
	}
	phrases := b.cfg.AdvisorPhrases
	if len(phrases) == 0 {
		phrases = narrative.DefaultAdvisorPhrases
	}
	return narrative.NewAdvisorFilter(phrases), nil
}

func (b *containerBuilder) buildSchemaChecker() (*validation.SchemaChecker, error) {
	if path := strings.TrimSpace(b.cfg.ReportSchemaFile); path != "" {
		return validation.LoadSchemaChecker(path)
	}
	return validation.DefaultSchemaChecker()
}

func (b *containerBuilder) buildKV(c *Container) kv.Store {
	switch {
	case b.redis != nil:
		c.redis = b.redis
	case b.cfg.Redis.Enabled():
		c.redis = redis.NewClient(&redis.Options{
			Addr:     b.cfg.Redis.Addr,
			Password: b.cfg.Redis.Password,
			DB:       b.cfg.Redis.DB,
		})
		c.ownsRedis = true
	default:
		b.logger.Info("Using in-process rate limiting and caching (no redis configured)")
		return kv.NewMemoryStore(b.cfg.Cache.MaxEntries)
	}
	return kv.NewRedisStore(c.redis, keyPrefix)
}

func (b *containerBuilder) registerAgents(c *Container) error {
	client := b.httpClient
	if client == nil {
		// Per-agent deadlines come from the orchestrator; the client timeout
		// only has to cover the slowest agent.
		timeout := b.cfg.AgentTimeout
		for _, agentCfg := range b.cfg.Agents {
			if agentCfg.Timeout > timeout {
				timeout = agentCfg.Timeout
			}
		}
		client = httpclient.New(timeout, logging.NewComponentLogger("AgentHTTP"),
			httpclient.WithProxyMode(httpclient.ParseProxyMode(b.cfg.ProxyMode)))
	}
	retry := agents.RetryPolicyFromConfig(b.cfg.Retry, logging.NewComponentLogger("AgentRetry"))

	for _, agentCfg := range b.cfg.Agents {
		if _, err := httpclient.ValidateAgentURL(agentCfg.URL, httpclient.URLValidationOptions{
			AllowLocalhost:       b.cfg.AgentURLs.AllowLocalhost,
			AllowPrivateNetworks: b.cfg.AgentURLs.AllowPrivateNetworks,
		}); err != nil {
			return fmt.Errorf("agent %q: %w", agentCfg.Name, err)
		}
		agent := agents.NewHTTPAgent(agentCfg,
			agents.WithHTTPClient(client),
			agents.WithRateLimiter(c.Limiter),
			agents.WithCache(c.Cache, b.cfg.Cache.TTL),
			agents.WithRetryPolicy(retry),
		)
		if err := c.Orchestrator.Register(agentCfg.Name, agent, orchestrator.AgentTimeout(agentCfg.Timeout)); err != nil {
			return fmt.Errorf("register agent %q: %w", agentCfg.Name, err)
		}
	}
	return nil
}
