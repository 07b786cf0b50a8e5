// Package reportstore provides the persistence adapters for reports.
package reportstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	reportdomain "chainreport/internal/domain/report"
)

// MemoryStore is an in-process report store. Records, including nested
// payloads, are deep-copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	reports map[string]reportdomain.Report
}

var _ reportdomain.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]reportdomain.Report)}
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (s *MemoryStore) Create(ctx context.Context, r reportdomain.Report) (reportdomain.Report, bool, error) {
	if err := ctx.Err(); err != nil {
		return reportdomain.Report{}, false, err
	}
	if r.ReportID == "" {
		return reportdomain.Report{}, false, fmt.Errorf("create report: empty report id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.reports[r.ReportID]; ok {
		return existing.Clone(), false, nil
	}
	stored := r.Clone()
	s.reports[r.ReportID] = stored
	return stored.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, reportID string) (reportdomain.Report, error) {
	if err := ctx.Err(); err != nil {
		return reportdomain.Report{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return reportdomain.Report{}, fmt.Errorf("get %s: %w", reportID, reportdomain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, reportID string, fn func(*reportdomain.Report) error) (reportdomain.Report, error) {
	if err := ctx.Err(); err != nil {
		return reportdomain.Report{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reports[reportID]
	if !ok {
		return reportdomain.Report{}, fmt.Errorf("update %s: %w", reportID, reportdomain.ErrNotFound)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current.Clone(), err
	}
	next.ReportID = reportID
	// fn may have attached maps the caller still holds.
	stored := next.Clone()
	s.reports[reportID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) TimeOutStalled(ctx context.Context, statuses []reportdomain.Status, cutoff time.Time, message string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	eligible := make(map[reportdomain.Status]bool, len(statuses))
	for _, st := range statuses {
		eligible[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, r := range s.reports {
		if !eligible[r.Status] || !r.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := message
		r.Status = reportdomain.StatusTimedOut
		r.ErrorMessage = &msg
		r.UpdatedAt = now
		s.reports[id] = r
		changed++
	}
	return changed, nil
}
