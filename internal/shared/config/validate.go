package config

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate rejects configurations that would leave a budget unbounded or a
// schedule unparsable.
func (c Config) Validate() error {
	var errs []error
	if c.AgentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent_timeout must be positive, got %s", c.AgentTimeout))
	}
	if c.MaxConcurrentAgents < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_agents must not be negative"))
	}
	if c.Retry.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be positive"))
	}
	if c.Retry.MinDelay < 0 || c.Retry.MaxDelay < c.Retry.MinDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 <= min_delay <= max_delay"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive"))
	}
	for service, rule := range c.RateLimits {
		if rule.MaxRequests <= 0 || rule.WindowSeconds <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: max_requests and window_seconds must be positive", service))
		}
	}
	if c.Sweep.TimeoutMinutes <= 0 {
		errs = append(errs, fmt.Errorf("sweep.timeout_minutes must be positive"))
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("sweep.schedule %q: %w", c.Sweep.Schedule, err))
	}
	if c.Timing.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("timing.threshold must be positive"))
	}
	switch c.Observability.Tracing.Exporter {
	case "", "none", "otlp", "zipkin":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing.exporter %q is not supported", c.Observability.Tracing.Exporter))
	}
	switch c.ProxyMode {
	case "", "auto", "strict", "direct":
	default:
		errs = append(errs, fmt.Errorf("proxy_mode %q must be auto, strict or direct", c.ProxyMode))
	}
	switch c.IDStrategy {
	case "", "ksuid", "uuidv7":
	default:
		errs = append(errs, fmt.Errorf("id_strategy %q must be ksuid or uuidv7", c.IDStrategy))
	}
	seen := map[string]bool{}
	for _, agent := range c.Agents {
		if agent.Name == "" || agent.URL == "" {
			errs = append(errs, fmt.Errorf("agents: name and url are required"))
			continue
		}
		if seen[agent.Name] {
			errs = append(errs, fmt.Errorf("agents: duplicate name %q", agent.Name))
		}
		seen[agent.Name] = true
	}
	return errors.Join(errs...)
}
