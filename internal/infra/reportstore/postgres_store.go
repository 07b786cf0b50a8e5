package reportstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	reportdomain "chainreport/internal/domain/report"
	jsonx "chainreport/internal/shared/json"
	"chainreport/internal/shared/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const reportTable = "chainreport_reports"

const reportColumns = `report_id, token_id, status, partial_agent_output, final_report_json,
    error_message, errors, timing_alerts, generation_time, created_at, updated_at`

// PostgresStore implements reportdomain.Store backed by Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ reportdomain.Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("ReportPostgresStore"),
	}
}

// EnsureSchema creates the report table and indices if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("report store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + reportTable + ` (
    report_id            TEXT PRIMARY KEY,
    token_id             TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    partial_agent_output JSONB NOT NULL DEFAULT '{}'::jsonb,
    final_report_json    JSONB,
    error_message        TEXT,
    errors               JSONB NOT NULL DEFAULT '{}'::jsonb,
    timing_alerts        JSONB NOT NULL DEFAULT '[]'::jsonb,
    generation_time      DOUBLE PRECISION,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_chainreport_reports_status_updated
    ON ` + reportTable + ` (status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure report schema: %w", err)
		}
	}
	return nil
}

// Create inserts r unless the id already exists, then returns the stored row.
func (s *PostgresStore) Create(ctx context.Context, r reportdomain.Report) (reportdomain.Report, bool, error) {
	if r.ReportID == "" {
		return reportdomain.Report{}, false, fmt.Errorf("create report: empty report id")
	}
	args, err := encodeReport(r)
	if err != nil {
		return reportdomain.Report{}, false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+reportTable+` (`+reportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (report_id) DO NOTHING`,
		args...,
	)
	if err != nil {
		return reportdomain.Report{}, false, fmt.Errorf("insert report %s: %w", r.ReportID, err)
	}
	created := tag.RowsAffected() == 1

	stored, err := s.Get(ctx, r.ReportID)
	if err != nil {
		return reportdomain.Report{}, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) Get(ctx context.Context, reportID string) (reportdomain.Report, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM `+reportTable+` WHERE report_id = $1`, reportID)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return reportdomain.Report{}, fmt.Errorf("get %s: %w", reportID, reportdomain.ErrNotFound)
	}
	if err != nil {
		return reportdomain.Report{}, fmt.Errorf("get %s: %w", reportID, err)
	}
	return r, nil
}

// Update locks the row, applies fn and writes the whole record back in one
// transaction.
func (s *PostgresStore) Update(ctx context.Context, reportID string, fn func(*reportdomain.Report) error) (reportdomain.Report, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return reportdomain.Report{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	row := tx.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM `+reportTable+` WHERE report_id = $1 FOR UPDATE`, reportID)
	current, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return reportdomain.Report{}, fmt.Errorf("update %s: %w", reportID, reportdomain.ErrNotFound)
	}
	if err != nil {
		return reportdomain.Report{}, fmt.Errorf("lock report %s: %w", reportID, err)
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return current, err
	}
	next.ReportID = reportID

	args, err := encodeReport(next)
	if err != nil {
		return reportdomain.Report{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+reportTable+` SET
			token_id = $2,
			status = $3,
			partial_agent_output = $4,
			final_report_json = $5,
			error_message = $6,
			errors = $7,
			timing_alerts = $8,
			generation_time = $9,
			created_at = $10,
			updated_at = $11
		 WHERE report_id = $1`,
		args...,
	); err != nil {
		return reportdomain.Report{}, fmt.Errorf("update report %s: %w", reportID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return reportdomain.Report{}, fmt.Errorf("commit update tx: %w", err)
	}
	return next, nil
}

// TimeOutStalled is a single conditional UPDATE so that concurrent sweeps and
// fresh writes cannot interleave with it.
func (s *PostgresStore) TimeOutStalled(ctx context.Context, statuses []reportdomain.Status, cutoff time.Time, message string, now time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+reportTable+` SET status = $1, error_message = $2, updated_at = $3
		 WHERE status = ANY($4) AND updated_at < $5`,
		string(reportdomain.StatusTimedOut), message, now.UTC(), names, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("time out stalled reports: %w", err)
	}
	changed := int(tag.RowsAffected())
	if changed > 0 {
		s.logger.Info("Timed out %d stalled reports (cutoff=%s)", changed, cutoff.UTC().Format(time.RFC3339))
	}
	return changed, nil
}

func encodeReport(r reportdomain.Report) ([]any, error) {
	partial, err := jsonx.MarshalObject(r.PartialAgentOutput)
	if err != nil {
		return nil, fmt.Errorf("marshal partial output for %s: %w", r.ReportID, err)
	}
	var final []byte
	if r.FinalReport != nil {
		if final, err = jsonx.Marshal(r.FinalReport); err != nil {
			return nil, fmt.Errorf("marshal final report for %s: %w", r.ReportID, err)
		}
	}
	errs, err := jsonx.MarshalObject(r.Errors)
	if err != nil {
		return nil, fmt.Errorf("marshal errors for %s: %w", r.ReportID, err)
	}
	alerts := r.TimingAlerts
	if alerts == nil {
		alerts = []reportdomain.TimingAlert{}
	}
	alertsJSON, err := jsonx.Marshal(alerts)
	if err != nil {
		return nil, fmt.Errorf("marshal timing alerts for %s: %w", r.ReportID, err)
	}
	return []any{
		r.ReportID,
		r.TokenID,
		string(r.Status),
		partial,
		final,
		r.ErrorMessage,
		errs,
		alertsJSON,
		r.GenerationTime,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	}, nil
}

// pgxRow abstracts a single pgx row for scanning.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanReport(row pgxRow) (reportdomain.Report, error) {
	var (
		r                                  reportdomain.Report
		status                             string
		partialJSON, finalJSON, errorsJSON []byte
		alertsJSON                         []byte
	)
	if err := row.Scan(
		&r.ReportID, &r.TokenID, &status, &partialJSON, &finalJSON,
		&r.ErrorMessage, &errorsJSON, &alertsJSON, &r.GenerationTime,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return reportdomain.Report{}, err
	}
	r.Status = reportdomain.Status(status)

	var err error
	if r.PartialAgentOutput, err = jsonx.UnmarshalObject[any](partialJSON); err != nil {
		return reportdomain.Report{}, fmt.Errorf("decode partial output: %w", err)
	}
	if len(finalJSON) > 0 && string(finalJSON) != "null" {
		if r.FinalReport, err = jsonx.UnmarshalObject[any](finalJSON); err != nil {
			return reportdomain.Report{}, fmt.Errorf("decode final report: %w", err)
		}
	}
	if r.Errors, err = jsonx.UnmarshalObject[bool](errorsJSON); err != nil {
		return reportdomain.Report{}, fmt.Errorf("decode errors: %w", err)
	}
	r.TimingAlerts = []reportdomain.TimingAlert{}
	if len(alertsJSON) > 0 && string(alertsJSON) != "null" {
		if err := jsonx.Unmarshal(alertsJSON, &r.TimingAlerts); err != nil {
			return reportdomain.Report{}, fmt.Errorf("decode timing alerts: %w", err)
		}
	}
	return r, nil
}
