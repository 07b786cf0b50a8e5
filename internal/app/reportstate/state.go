// Package reportstate owns every write to a report and enforces the
// lifecycle table defined in the report domain package.
package reportstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/shared/logging"
)

// StalledMessage is written to error_message by the recovery sweep.
const StalledMessage = "Report processing stalled and was timed out by the recovery sweep"

// errUnchanged aborts an Update without persisting; the caller gets the
// current record back.
var errUnchanged = errors.New("report unchanged")

// Store wraps a reportdomain.Store with lifecycle guards.
type Store struct {
	store  reportdomain.Store
	now    func() time.Time
	logger logging.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// New returns a Store backed by store.
func New(store reportdomain.Store, opts ...Option) *Store {
	s := &Store{
		store:  store,
		now:    time.Now,
		logger: logging.NewComponentLogger("ReportState"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInitial inserts a PENDING report, or returns the existing record when
// one is already stored under reportID.
func (s *Store) CreateInitial(ctx context.Context, reportID, tokenID string) (reportdomain.Report, error) {
	r, created, err := s.store.Create(ctx, reportdomain.New(reportID, tokenID, s.now().UTC()))
	if err != nil {
		return reportdomain.Report{}, fmt.Errorf("create report %s: %w", reportID, err)
	}
	if !created {
		s.logger.Debug("Report %s already exists with status %s", reportID, r.Status)
	}
	return r, nil
}

// Get returns the current record.
func (s *Store) Get(ctx context.Context, reportID string) (reportdomain.Report, error) {
	return s.store.Get(ctx, reportID)
}

// Transition moves the report to next. Terminal reports and re-entries of the
// current status are no-ops that return the stored record. Moves the
// lifecycle table forbids fail with ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, reportID string, next reportdomain.Status) (reportdomain.Report, error) {
	return s.update(ctx, reportID, func(r *reportdomain.Report) error {
		if r.Status.IsTerminal() {
			s.logger.Debug("Ignoring transition of terminal report %s (%s -> %s)", reportID, r.Status, next)
			return errUnchanged
		}
		if r.Status == next {
			return errUnchanged
		}
		if !reportdomain.CanTransition(r.Status, next) {
			return fmt.Errorf("%w: %s -> %s", reportdomain.ErrInvalidTransition, r.Status, next)
		}
		r.Status = next
		return nil
	})
}

// MergePartial merges patch into the report. It never touches status and is
// accepted on terminal reports since it only adds bookkeeping content.
func (s *Store) MergePartial(ctx context.Context, reportID string, patch reportdomain.Patch) (reportdomain.Report, error) {
	return s.update(ctx, reportID, func(r *reportdomain.Report) error {
		if patch.Empty() {
			return errUnchanged
		}
		r.Apply(patch)
		return nil
	})
}

// RecordAgentResults writes the agent-phase status together with the merged
// agent output and failure flags in one atomic update. When the report has
// already reached a terminal status the content is merged but the status is
// left alone.
func (s *Store) RecordAgentResults(ctx context.Context, reportID string, status reportdomain.Status, patch reportdomain.Patch) (reportdomain.Report, error) {
	return s.update(ctx, reportID, func(r *reportdomain.Report) error {
		if r.Status.IsTerminal() {
			s.logger.Warn("Report %s reached %s before agent results were recorded; keeping status", reportID, r.Status)
			r.Apply(patch)
			return nil
		}
		if r.Status != status && !reportdomain.CanTransition(r.Status, status) {
			return fmt.Errorf("%w: %s -> %s", reportdomain.ErrInvalidTransition, r.Status, status)
		}
		r.Apply(patch)
		r.Status = status
		return nil
	})
}

// Finalize writes the final payload and terminal status once. A second
// finalize fails with ErrAlreadyFinalized.
func (s *Store) Finalize(ctx context.Context, reportID string, final map[string]any, status reportdomain.Status, errorMessage string) (reportdomain.Report, error) {
	if !status.IsTerminal() {
		return reportdomain.Report{}, fmt.Errorf("%w: %s", reportdomain.ErrNotTerminal, status)
	}
	return s.update(ctx, reportID, func(r *reportdomain.Report) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", reportdomain.ErrAlreadyFinalized, reportID, r.Status)
		}
		if !reportdomain.CanTransition(r.Status, status) {
			return fmt.Errorf("%w: %s -> %s", reportdomain.ErrInvalidTransition, r.Status, status)
		}
		r.Status = status
		r.FinalReport = final
		if errorMessage != "" {
			msg := errorMessage
			r.ErrorMessage = &msg
		}
		return nil
	})
}

// AppendTimingAlert appends alert to timing_alerts.
func (s *Store) AppendTimingAlert(ctx context.Context, reportID string, alert reportdomain.TimingAlert) error {
	_, err := s.MergePartial(ctx, reportID, reportdomain.Patch{TimingAlerts: []reportdomain.TimingAlert{alert}})
	return err
}

// SetGenerationTime records the total pipeline duration in seconds.
func (s *Store) SetGenerationTime(ctx context.Context, reportID string, seconds float64) error {
	_, err := s.MergePartial(ctx, reportID, reportdomain.Patch{GenerationTime: &seconds})
	return err
}

// RecoverStalled moves every in-progress report whose updated_at is older
// than timeoutMinutes to TIMED_OUT and returns how many changed.
func (s *Store) RecoverStalled(ctx context.Context, timeoutMinutes int) (int, error) {
	if timeoutMinutes <= 0 {
		return 0, fmt.Errorf("recover stalled: timeout must be positive, got %d", timeoutMinutes)
	}
	now := s.now().UTC()
	cutoff := now.Add(-time.Duration(timeoutMinutes) * time.Minute)
	changed, err := s.store.TimeOutStalled(ctx, reportdomain.InProgressStatuses(), cutoff, StalledMessage, now)
	if err != nil {
		return 0, fmt.Errorf("recover stalled: %w", err)
	}
	if changed > 0 {
		s.logger.Warn("Recovery sweep timed out %d stalled report(s) older than %d minutes", changed, timeoutMinutes)
	} else {
		s.logger.Debug("Recovery sweep found no stalled reports")
	}
	return changed, nil
}

func (s *Store) update(ctx context.Context, reportID string, fn func(*reportdomain.Report) error) (reportdomain.Report, error) {
	r, err := s.store.Update(ctx, reportID, func(r *reportdomain.Report) error {
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = s.now().UTC()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return r, nil
	}
	if err != nil {
		return reportdomain.Report{}, err
	}
	return r, nil
}
