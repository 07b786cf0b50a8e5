package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedReport() map[string]any {
	return map[string]any{
		"report_id":    "r1",
		"token_id":     "btc",
		"agent_status": "AGENTS_PARTIAL_SUCCESS",
		"data":         map[string]any{"price": 1.0},
		"narrative":    map[string]any{"tokenomics": "Supply is fixed."},
		"summary": map[string]any{
			"overall_summary": "Supply is fixed.",
			"scores":          map[string]any{"tokenomics_strength": 8.5, "team_credibility": 5.0},
			"strengths":       []any{"Tokenomics Strength"},
			"weaknesses":      []any{},
			"error_report":    []any{map[string]any{"agent_name": "social", "error_message": "down"}},
		},
		"validation":   map[string]any{"missing_values": Passed},
		"agent_errors": map[string]any{"social": "down"},
	}
}

func TestDefaultSchemaAcceptsCompletedReport(t *testing.T) {
	checker, err := DefaultSchemaChecker()
	require.NoError(t, err)
	assert.NoError(t, checker.Check(completedReport()))
}

func TestDefaultSchemaRejectsMalformedReports(t *testing.T) {
	checker, err := DefaultSchemaChecker()
	require.NoError(t, err)

	outOfRange := completedReport()
	outOfRange["summary"].(map[string]any)["scores"] = map[string]any{"code_maturity": 11.0}
	assert.ErrorContains(t, checker.Check(outOfRange), "report schema")

	missing := completedReport()
	delete(missing, "narrative")
	assert.Error(t, checker.Check(missing))

	failedAgents := completedReport()
	failedAgents["agent_status"] = "AGENTS_FAILED"
	assert.Error(t, checker.Check(failedAgents))
}

func TestLoadSchemaChecker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "object", "required": ["report_id"]}`), 0o600))

	checker, err := LoadSchemaChecker(path)
	require.NoError(t, err)
	assert.NoError(t, checker.Check(map[string]any{"report_id": "r1"}))
	assert.Error(t, checker.Check(map[string]any{}))

	_, err = LoadSchemaChecker(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "read report schema")

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err = LoadSchemaChecker(path)
	assert.ErrorContains(t, err, "parse report schema")
}
