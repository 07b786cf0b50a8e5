package report

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"time"
)

// TimingAlert is appended when a pipeline run exceeds its time budget.
type TimingAlert struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	// Threshold is the budget in seconds that was exceeded.
	Threshold float64 `json:"threshold"`
}

// Report is the persisted record for one token report.
type Report struct {
	ReportID           string          `json:"report_id"`
	TokenID            string          `json:"token_id,omitempty"`
	Status             Status          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	PartialAgentOutput map[string]any  `json:"partial_agent_output"`
	FinalReport        map[string]any  `json:"final_report_json,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	Errors             map[string]bool `json:"errors"`
	TimingAlerts       []TimingAlert   `json:"timing_alerts"`
	GenerationTime     *float64        `json:"generation_time,omitempty"`
}

// New returns a PENDING report stamped with now.
func New(reportID, tokenID string, now time.Time) Report {
	return Report{
		ReportID:           reportID,
		TokenID:            tokenID,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		PartialAgentOutput: map[string]any{},
		Errors:             map[string]bool{},
		TimingAlerts:       []TimingAlert{},
	}
}

// Clone copies the report so that callers cannot mutate a stored record.
// Agent output and the final report are copied recursively.
func (r Report) Clone() Report {
	out := r
	out.PartialAgentOutput = ClonePayload(r.PartialAgentOutput)
	if out.PartialAgentOutput == nil {
		out.PartialAgentOutput = map[string]any{}
	}
	out.FinalReport = ClonePayload(r.FinalReport)
	out.Errors = maps.Clone(r.Errors)
	if out.Errors == nil {
		out.Errors = map[string]bool{}
	}
	out.TimingAlerts = slices.Clone(r.TimingAlerts)
	if out.TimingAlerts == nil {
		out.TimingAlerts = []TimingAlert{}
	}
	if r.ErrorMessage != nil {
		msg := *r.ErrorMessage
		out.ErrorMessage = &msg
	}
	if r.GenerationTime != nil {
		gt := *r.GenerationTime
		out.GenerationTime = &gt
	}
	return out
}

// ClonePayload deep-copies a JSON-like document. Nested maps and slices are
// copied with their concrete types; scalars are shared.
func ClonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return ClonePayload(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		switch rv.Type().Elem().Kind() {
		case reflect.Map, reflect.Slice, reflect.Interface:
			for i := 0; i < rv.Len(); i++ {
				out.Index(i).Set(cloneReflect(rv.Index(i)))
			}
		default:
			reflect.Copy(out, rv)
		}
		return out.Interface()
	}
	return v
}

func cloneReflect(v reflect.Value) reflect.Value {
	c := cloneValue(v.Interface())
	if c == nil {
		return reflect.Zero(v.Type())
	}
	return reflect.ValueOf(c)
}

// Patch is a merge-only update. Map fields are merged key by key, alerts are
// appended and nil fields are left untouched. A patch never changes status.
type Patch struct {
	PartialAgentOutput map[string]any
	Errors             map[string]bool
	TimingAlerts       []TimingAlert
	GenerationTime     *float64
}

// Empty reports whether applying the patch would change nothing.
func (p Patch) Empty() bool {
	return len(p.PartialAgentOutput) == 0 && len(p.Errors) == 0 &&
		len(p.TimingAlerts) == 0 && p.GenerationTime == nil
}

// Apply merges p into r.
func (r *Report) Apply(p Patch) {
	if len(p.PartialAgentOutput) > 0 {
		if r.PartialAgentOutput == nil {
			r.PartialAgentOutput = make(map[string]any, len(p.PartialAgentOutput))
		}
		maps.Copy(r.PartialAgentOutput, p.PartialAgentOutput)
	}
	if len(p.Errors) > 0 {
		if r.Errors == nil {
			r.Errors = make(map[string]bool, len(p.Errors))
		}
		maps.Copy(r.Errors, p.Errors)
	}
	if len(p.TimingAlerts) > 0 {
		r.TimingAlerts = append(r.TimingAlerts, p.TimingAlerts...)
	}
	if p.GenerationTime != nil {
		gt := *p.GenerationTime
		r.GenerationTime = &gt
	}
}

// Store is the persistence port for reports. Implementations must make
// Update atomic per report: fn observes the latest committed record and its
// result is committed as a whole or not at all.
type Store interface {
	// EnsureSchema creates backing tables if they do not exist.
	EnsureSchema(ctx context.Context) error

	// Create inserts r unless a record with the same id exists. It returns
	// the stored record and whether it was newly created.
	Create(ctx context.Context, r Report) (Report, bool, error)

	// Get returns the report or ErrNotFound.
	Get(ctx context.Context, reportID string) (Report, error)

	// Update runs fn against the current record and persists the result.
	// It returns ErrNotFound for unknown ids and fn's error unchanged.
	Update(ctx context.Context, reportID string, fn func(*Report) error) (Report, error)

	// TimeOutStalled moves every report whose status is in statuses and whose
	// updated_at is before cutoff to TIMED_OUT with message, in one atomic
	// step, and returns how many changed.
	TimeOutStalled(ctx context.Context, statuses []Status, cutoff time.Time, message string, now time.Time) (int, error)
}
