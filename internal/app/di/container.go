// Package di assembles the chainreport runtime from configuration.
package di

import (
	"context"
	"errors"
	"sync"
	"time"

	"chainreport/internal/app/orchestrator"
	"chainreport/internal/app/pipeline"
	"chainreport/internal/app/reportstate"
	"chainreport/internal/app/sweeper"
	"chainreport/internal/app/timetracker"
	"chainreport/internal/infra/cache"
	"chainreport/internal/infra/observability"
	"chainreport/internal/infra/ratelimit"
	"chainreport/internal/shared/config"
	"chainreport/internal/shared/logging"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPoolMaxConns          = 10
	defaultPoolMinConns          = 1
	defaultPoolMaxConnLifetime   = 1 * time.Hour
	defaultPoolMaxConnIdleTime   = 30 * time.Minute
	defaultPoolHealthCheckPeriod = 1 * time.Minute
	defaultPoolConnectTimeout    = 5 * time.Second

	keyPrefix          = "chainreport:"
	rateLimitKeyPrefix = "chainreport:ratelimit:"
)

// Container holds all application dependencies.
type Container struct {
	Config       config.Config
	State        *reportstate.Store
	Orchestrator *orchestrator.Orchestrator
	Pipeline     *pipeline.Service
	Sweeper      *sweeper.Sweeper
	Tracker      *timetracker.Tracker
	Limiter      *ratelimit.Limiter
	Cache        *cache.Cache
	Metrics      *observability.MetricsCollector
	Tracing      *observability.TracerProvider

	db        *pgxpool.Pool
	redis     redis.UniversalClient
	ownsRedis bool
	logger    logging.Logger

	startMu      sync.Mutex
	started      bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Start exposes the metrics endpoint and schedules the recovery sweep. The
// sweep stops when ctx is cancelled.
func (c *Container) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	c.logger.Info("Starting container lifecycle...")
	c.Metrics.StartServer(c.Config.Observability.MetricsAddr)
	if err := c.Sweeper.Start(ctx); err != nil {
		return err
	}
	c.started = true
	c.logger.Info("Container lifecycle started")
	return nil
}

// Drain waits for a running sweep to settle and then releases every
// resource. Shutdown still runs when ctx expires first.
func (c *Container) Drain(ctx context.Context) error {
	var errs []error
	if err := c.Sweeper.Drain(ctx); err != nil {
		c.logger.Warn("Drain error: %v", err)
		errs = append(errs, err)
	}
	errs = append(errs, c.Shutdown(ctx))
	return errors.Join(errs...)
}

// Shutdown flushes telemetry and closes the database pool and the Redis
// client. Safe to call more than once.
func (c *Container) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.logger.Info("Shutting down container...")
		var errs []error
		if err := c.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if c.Tracing != nil {
			if err := c.Tracing.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if c.redis != nil && c.ownsRedis {
			if err := c.redis.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.db != nil {
			c.db.Close()
			c.db = nil
		}
		c.shutdownErr = errors.Join(errs...)
		if c.shutdownErr != nil {
			c.logger.Error("Container shutdown finished with errors: %v", c.shutdownErr)
			return
		}
		c.logger.Info("Container shutdown complete")
	})
	return c.shutdownErr
}
