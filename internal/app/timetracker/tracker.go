// Package timetracker measures end-to-end pipeline time per report.
package timetracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/infra/kv"
	"chainreport/internal/shared/logging"
)

const (
	DefaultThreshold = 5 * time.Minute
	DefaultTTL       = time.Hour
)

// AlertRecorder persists timing alerts on a report.
type AlertRecorder interface {
	AppendTimingAlert(ctx context.Context, reportID string, alert reportdomain.TimingAlert) error
}

// Tracker keeps start timestamps in a shared store so that any process can
// finish a timer started by another.
type Tracker struct {
	store     kv.Store
	alerts    AlertRecorder
	threshold time.Duration
	ttl       time.Duration
	now       func() time.Time
	logger    logging.Logger
}

type Option func(*Tracker)

func WithThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.threshold = d
		}
	}
}

// WithTTL bounds how long an abandoned timer survives.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(t *Tracker) { t.logger = logging.OrNop(logger) }
}

func New(store kv.Store, alerts AlertRecorder, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		alerts:    alerts,
		threshold: DefaultThreshold,
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    logging.NewLatencyLogger("TimeTracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func startKey(reportID string) string    { return "report:" + reportID + ":start_time" }
func durationKey(reportID string) string { return "report:" + reportID + ":duration" }

// Start records the start timestamp for reportID.
func (t *Tracker) Start(ctx context.Context, reportID string) error {
	stamp := t.now().UTC().Format(time.RFC3339Nano)
	if err := t.store.Set(ctx, startKey(reportID), []byte(stamp), t.ttl); err != nil {
		return fmt.Errorf("start timer for %s: %w", reportID, err)
	}
	return nil
}

// Finish consumes the start timestamp and returns the elapsed time. ok is
// false when no timer was running; Finish never fails. Runs longer than the
// threshold append a timing alert to the report on a best-effort basis.
func (t *Tracker) Finish(ctx context.Context, reportID string) (elapsed time.Duration, ok bool) {
	raw, err := t.store.GetDel(ctx, startKey(reportID))
	if err != nil {
		if !errors.Is(err, kv.ErrMiss) {
			t.logger.Warn("Reading timer for %s failed: %v", reportID, err)
		}
		return 0, false
	}
	started, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		t.logger.Warn("Discarding malformed start time for %s: %v", reportID, err)
		return 0, false
	}

	finished := t.now().UTC()
	elapsed = finished.Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}
	t.logger.Info("Report %s generated in %.3fs", reportID, elapsed.Seconds())

	seconds := strconv.FormatFloat(elapsed.Seconds(), 'f', -1, 64)
	if err := t.store.Set(ctx, durationKey(reportID), []byte(seconds), t.ttl); err != nil {
		t.logger.Warn("Storing duration for %s failed: %v", reportID, err)
	}

	if elapsed > t.threshold {
		t.raiseAlert(ctx, reportID, elapsed, finished)
	}
	return elapsed, true
}

// TotalTime returns the duration recorded by the last Finish for reportID.
func (t *Tracker) TotalTime(ctx context.Context, reportID string) (time.Duration, bool) {
	raw, err := t.store.Get(ctx, durationKey(reportID))
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

func (t *Tracker) raiseAlert(ctx context.Context, reportID string, elapsed time.Duration, at time.Time) {
	alert := reportdomain.TimingAlert{
		Timestamp: at,
		Message: fmt.Sprintf("Report generation took %.1fs, exceeding the %.0fs threshold",
			elapsed.Seconds(), t.threshold.Seconds()),
		Threshold: t.threshold.Seconds(),
	}
	t.logger.Warn("Timing alert for %s: %s", reportID, alert.Message)
	if t.alerts == nil {
		return
	}
	if err := t.alerts.AppendTimingAlert(ctx, reportID, alert); err != nil {
		t.logger.Warn("Persisting timing alert for %s failed: %v", reportID, err)
	}
}
