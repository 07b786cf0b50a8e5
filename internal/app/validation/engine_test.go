package validation

import (
	"testing"

	reportdomain "chainreport/internal/domain/report"

	"github.com/stretchr/testify/assert"
)

func TestValidatePassesCleanInput(t *testing.T) {
	result := Validate(Input{
		ReportID: "r1",
		TokenID:  "btc",
		Outcomes: map[string]reportdomain.AgentOutcome{
			"price":  reportdomain.Completed(map[string]any{"price": 1.0}),
			"volume": reportdomain.Completed(map[string]any{"volume": 10}),
			"social": reportdomain.Failed("down"),
		},
		Merged: map[string]any{"price": 1.0, "volume": 10},
	})

	assert.True(t, result.OK())
	assert.Equal(t, map[string]any{
		"missing_values":      Passed,
		"empty_payloads":      Passed,
		"cross_source_checks": Passed,
	}, result.Map())
}

func TestValidateReportsFindings(t *testing.T) {
	result := Validate(Input{
		ReportID: "r1",
		Outcomes: map[string]reportdomain.AgentOutcome{
			"a":     reportdomain.Completed(map[string]any{"price": 1.0, "holders": 5}),
			"b":     reportdomain.Completed(map[string]any{"price": 2.0, "holders": 5}),
			"empty": reportdomain.Completed(nil),
		},
	})

	assert.False(t, result.OK())
	assert.Equal(t, "FAILED: Missing fields: token_id, agent_data", result.MissingValues)
	assert.Equal(t, "FAILED: Empty payloads from: empty", result.EmptyPayloads)
	assert.Equal(t, "FAILED: Conflicting values for: price", result.CrossSourceChecks)
}
