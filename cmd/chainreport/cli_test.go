package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"chainreport/internal/shared/config"
	jsonx "chainreport/internal/shared/json"
	"chainreport/internal/shared/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&CLI{out: &out, envLookup: config.EnvLookup(noEnv), logger: logging.Nop()})
	cmd.SetArgs(append(args, "--env-file", ""))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainreport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunPrintsFinalReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin", r.URL.Path)
		_, _ = w.Write([]byte(`{"tokenomics": {"supply": 21000000}}`))
	}))
	defer srv.Close()

	path := writeConfig(t, `
observability:
  metrics_addr: ""
agents:
  - name: market
    url: `+srv.URL+`/coins/{token_id}
`)
	out, err := execute(t, "run", "--config", path, "--token", "bitcoin")
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, jsonx.Unmarshal([]byte(out), &report))
	assert.Equal(t, "COMPLETED", report["status"])
	assert.Equal(t, "bitcoin", report["token_id"])
	final, ok := report["final_report_json"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, final, "narrative")
	assert.Contains(t, final, "summary")
}

func TestRunRequiresToken(t *testing.T) {
	_, err := execute(t, "run", "--config", writeConfig(t, ""))
	assert.ErrorContains(t, err, "token")
}

func TestRunRejectsMissingConfigFile(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--token", "btc")
	assert.ErrorContains(t, err, "load config")
}

func TestSweepReportsCount(t *testing.T) {
	out, err := execute(t, "sweep", "--config", writeConfig(t, ""), "--timeout-minutes", "5")
	require.NoError(t, err)
	assert.Equal(t, "0 report(s) timed out\n", out)
}
