// Package validation checks merged agent data before narrative generation.
// Findings are recorded on the report and never fail the pipeline.
package validation

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	reportdomain "chainreport/internal/domain/report"
)

const (
	Passed = "PASSED"
	failed = "FAILED"
)

// Input is what the checks run against.
type Input struct {
	ReportID string
	TokenID  string
	Outcomes map[string]reportdomain.AgentOutcome
	Merged   map[string]any
}

// Result holds one status string per check.
type Result struct {
	MissingValues     string `json:"missing_values"`
	EmptyPayloads     string `json:"empty_payloads"`
	CrossSourceChecks string `json:"cross_source_checks"`
}

// OK reports whether every check passed.
func (r Result) OK() bool {
	return r.MissingValues == Passed && r.EmptyPayloads == Passed && r.CrossSourceChecks == Passed
}

// Map renders the result for final_report_json.
func (r Result) Map() map[string]any {
	return map[string]any{
		"missing_values":      r.MissingValues,
		"empty_payloads":      r.EmptyPayloads,
		"cross_source_checks": r.CrossSourceChecks,
	}
}

// Validate runs every check.
func Validate(in Input) Result {
	return Result{
		MissingValues:     checkMissingValues(in),
		EmptyPayloads:     checkEmptyPayloads(in.Outcomes),
		CrossSourceChecks: checkCrossSource(in.Outcomes),
	}
}

func checkMissingValues(in Input) string {
	var missing []string
	if strings.TrimSpace(in.ReportID) == "" {
		missing = append(missing, "report_id")
	}
	if strings.TrimSpace(in.TokenID) == "" {
		missing = append(missing, "token_id")
	}
	if len(in.Merged) == 0 {
		missing = append(missing, "agent_data")
	}
	if len(missing) > 0 {
		return fmt.Sprintf("%s: Missing fields: %s", failed, strings.Join(missing, ", "))
	}
	return Passed
}

func checkEmptyPayloads(outcomes map[string]reportdomain.AgentOutcome) string {
	var empty []string
	for name, outcome := range outcomes {
		if outcome.Status == reportdomain.OutcomeCompleted && len(outcome.Data) == 0 {
			empty = append(empty, name)
		}
	}
	if len(empty) > 0 {
		slices.Sort(empty)
		return fmt.Sprintf("%s: Empty payloads from: %s", failed, strings.Join(empty, ", "))
	}
	return Passed
}

// checkCrossSource flags keys that two agents reported with different values.
func checkCrossSource(outcomes map[string]reportdomain.AgentOutcome) string {
	seen := make(map[string]any)
	conflicts := make(map[string]bool)
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		outcome := outcomes[name]
		if outcome.Status != reportdomain.OutcomeCompleted {
			continue
		}
		for key, value := range outcome.Data {
			if prev, ok := seen[key]; ok && !reflect.DeepEqual(prev, value) {
				conflicts[key] = true
				continue
			}
			seen[key] = value
		}
	}
	if len(conflicts) == 0 {
		return Passed
	}
	keys := make([]string, 0, len(conflicts))
	for k := range conflicts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return fmt.Sprintf("%s: Conflicting values for: %s", failed, strings.Join(keys, ", "))
}
