// Package ratelimit implements per-service sliding-window admission control
// shared by every agent.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"chainreport/internal/shared/config"
	"chainreport/internal/shared/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "unconfigured"

	defaultKeyPrefix = "chainreport:ratelimit:"
)

// slidingWindowScript drops tokens at or before the cutoff, then admits the
// request only if the remaining tokens plus count fit the budget. Admitted
// requests add count uniquely named tokens scored with now. Scores are passed
// pre-formatted so the script never does arithmetic on millisecond epochs.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local cutoff = ARGV[2]
local window = ARGV[3]
local max = tonumber(ARGV[4])
local count = tonumber(ARGV[5])
local member = ARGV[6]
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local current = redis.call('ZCARD', key)
if current + count > max then
  return 0
end
for i = 1, count do
  redis.call('ZADD', key, now, member .. ':' .. i)
end
redis.call('PEXPIRE', key, window)
return 1
`)

// Rule bounds a service to MaxRequests admissions in any trailing Window.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// RulesFromConfig converts configured rules.
func RulesFromConfig(rules map[string]config.RateLimitRule) map[string]Rule {
	out := make(map[string]Rule, len(rules))
	for service, rule := range rules {
		out[service] = Rule{MaxRequests: rule.MaxRequests, Window: rule.Window()}
	}
	return out
}

// Observer receives one callback per admission decision.
type Observer interface {
	ObserveRateLimit(service string, allowed bool, backend string)
}

type bucket struct {
	count     int
	lastReset time.Time
}

// Limiter decides admissions against a shared Redis window when a client is
// configured and falls back to an in-process counter otherwise or whenever
// Redis fails. It is safe for concurrent use.
type Limiter struct {
	rules    map[string]Rule
	client   redis.UniversalClient
	prefix   string
	now      func() time.Time
	logger   logging.Logger
	observer Observer

	mu      sync.Mutex
	buckets map[string]*bucket
	// unconfigured holds services already reported as missing a rule.
	unconfigured sync.Map
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithRedis selects the shared sliding window backend.
func WithRedis(client redis.UniversalClient, prefix string) Option {
	return func(l *Limiter) {
		l.client = client
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(l *Limiter) { l.logger = logging.OrNop(logger) }
}

func WithObserver(observer Observer) Option {
	return func(l *Limiter) { l.observer = observer }
}

// New builds a Limiter for rules.
func New(rules map[string]Rule, opts ...Option) *Limiter {
	l := &Limiter{
		rules:   make(map[string]Rule, len(rules)),
		prefix:  defaultKeyPrefix,
		now:     time.Now,
		logger:  logging.NewComponentLogger("RateLimiter"),
		buckets: make(map[string]*bucket),
	}
	for service, rule := range rules {
		l.rules[service] = rule
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume reports whether count requests to service may proceed now
// and, if so, consumes them. Services without a rule are always admitted.
// Backend failures never surface; the in-process counter takes over.
func (l *Limiter) CheckAndConsume(ctx context.Context, service string, count int) bool {
	if count <= 0 {
		count = 1
	}
	rule, ok := l.rules[service]
	if !ok || rule.MaxRequests <= 0 || rule.Window <= 0 {
		if _, seen := l.unconfigured.LoadOrStore(service, struct{}{}); !seen {
			l.logger.Warn("No rate limit configured for service %q; allowing its requests", service)
		}
		l.observe(service, true, BackendNone)
		return true
	}

	if l.client != nil {
		allowed, err := l.checkRedis(ctx, service, rule, count)
		if err == nil {
			if !allowed {
				l.logger.Warn("Rate limit exceeded for service %s (max %d per %s)", service, rule.MaxRequests, rule.Window)
			}
			l.observe(service, allowed, BackendRedis)
			return allowed
		}
		l.logger.Warn("Rate limit store unavailable for %s, using in-process counter: %v", service, err)
	}

	allowed := l.checkMemory(service, rule, count)
	if !allowed {
		l.logger.Warn("In-process rate limit exceeded for service %s (max %d per %s)", service, rule.MaxRequests, rule.Window)
	}
	l.observe(service, allowed, BackendMemory)
	return allowed
}

func (l *Limiter) checkRedis(ctx context.Context, service string, rule Rule, count int) (bool, error) {
	now := l.now().UnixMilli()
	window := rule.Window.Milliseconds()
	result, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + service},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(now-window, 10),
		strconv.FormatInt(window, 10),
		rule.MaxRequests,
		count,
		strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// checkMemory is a fixed bucket reset every window.
func (l *Limiter) checkMemory(service string, rule Rule, count int) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[service]
	if !ok {
		b = &bucket{lastReset: now}
		l.buckets[service] = b
	}
	if now.Sub(b.lastReset) >= rule.Window {
		b.count = 0
		b.lastReset = now
	}
	if b.count+count > rule.MaxRequests {
		return false
	}
	b.count += count
	return true
}

func (l *Limiter) observe(service string, allowed bool, backend string) {
	if l.observer != nil {
		l.observer.ObserveRateLimit(service, allowed, backend)
	}
}
