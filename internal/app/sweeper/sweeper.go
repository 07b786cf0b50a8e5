// Package sweeper periodically times out reports left in progress by crashed
// workers.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chainreport/internal/shared/config"
	"chainreport/internal/shared/logging"
	"chainreport/internal/shared/utils/id"

	"github.com/robfig/cron/v3"
)

// Recoverer is the recovery entry point of the report state store.
type Recoverer interface {
	RecoverStalled(ctx context.Context, timeoutMinutes int) (int, error)
}

// Metrics receives the number of reports each sweep changed.
type Metrics interface {
	RecordSweep(ctx context.Context, changed int)
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

func WithLogger(logger logging.Logger) Option {
	return func(s *Sweeper) { s.logger = logging.OrNop(logger) }
}

func WithMetrics(m Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithRunTimeout bounds a single sweep.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// Sweeper runs RecoverStalled on a cron schedule. Overlapping runs are
// skipped.
type Sweeper struct {
	recoverer  Recoverer
	cfg        config.SweepConfig
	cron       *cron.Cron
	logger     logging.Logger
	metrics    Metrics
	runTimeout time.Duration

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// New returns a Sweeper for cfg. Empty fields take the config defaults.
func New(recoverer Recoverer, cfg config.SweepConfig, opts ...Option) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = config.DefaultSweepSchedule
	}
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = config.DefaultSweepTimeoutMinutes
	}
	s := &Sweeper{
		recoverer:  recoverer,
		cfg:        cfg,
		logger:     logging.NewComponentLogger("Sweeper"),
		runTimeout: time.Minute,
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return s
}

// RunOnce performs a single sweep and returns how many reports changed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()
	logger := logging.WithLogID(s.logger, id.NewRunID())

	changed, err := s.recoverer.RecoverStalled(ctx, s.cfg.TimeoutMinutes)
	if err != nil {
		logger.Error("Recovery sweep failed: %v", err)
		return 0, err
	}
	if changed > 0 {
		logger.Warn("Recovery sweep timed out %d report(s)", changed)
	} else {
		logger.Debug("Recovery sweep found nothing to do")
	}
	if s.metrics != nil {
		s.metrics.RecordSweep(ctx, changed)
	}
	return changed, nil
}

// Start registers the sweep job and starts the scheduler. It stops when ctx
// is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("Recovery sweep scheduled (%s, timeout %d minutes)", s.cfg.Schedule, s.cfg.TimeoutMinutes)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep. Safe to call more
// than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("Recovery sweep stopped")
	})
}

// Done is closed once the sweeper has fully stopped.
func (s *Sweeper) Done() <-chan struct{} {
	return s.stopped
}

// Drain stops the sweeper, waiting at most until ctx is done.
func (s *Sweeper) Drain(ctx context.Context) error {
	go s.Stop()
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
