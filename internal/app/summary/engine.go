// Package summary scores merged agent data and assembles the final report
// summary.
package summary

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"chainreport/internal/shared/logging"
)

// Score names, in presentation order.
const (
	ScoreTokenomicsStrength = "tokenomics_strength"
	ScoreSentimentHealth    = "sentiment_health"
	ScoreCodeMaturity       = "code_maturity"
	ScoreAuditConfidence    = "audit_confidence"
	ScoreTeamCredibility    = "team_credibility"
)

var scoreOrder = []string{
	ScoreTokenomicsStrength,
	ScoreSentimentHealth,
	ScoreCodeMaturity,
	ScoreAuditConfidence,
	ScoreTeamCredibility,
}

const (
	strengthThreshold = 7.0
	weaknessThreshold = 5.0
)

// AgentError describes one failed agent in the error report.
type AgentError struct {
	AgentName    string `json:"agent_name"`
	ErrorMessage string `json:"error_message"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// Summary is the summarization output stored in final_report_json.
type Summary struct {
	OverallSummary string             `json:"overall_summary"`
	Scores         map[string]float64 `json:"scores"`
	Strengths      []string           `json:"strengths"`
	Weaknesses     []string           `json:"weaknesses"`
	ErrorReport    []AgentError       `json:"error_report"`
}

// Map renders the summary as a JSON-compatible map.
func (s Summary) Map() map[string]any {
	scores := make(map[string]any, len(s.Scores))
	for k, v := range s.Scores {
		scores[k] = v
	}
	errs := make([]any, 0, len(s.ErrorReport))
	for _, e := range s.ErrorReport {
		entry := map[string]any{"agent_name": e.AgentName, "error_message": e.ErrorMessage}
		if e.Timestamp != "" {
			entry["timestamp"] = e.Timestamp
		}
		errs = append(errs, entry)
	}
	return map[string]any{
		"overall_summary": s.OverallSummary,
		"scores":          scores,
		"strengths":       toAny(s.Strengths),
		"weaknesses":      toAny(s.Weaknesses),
		"error_report":    errs,
	}
}

// Input carries everything the summary is built from.
type Input struct {
	Data      map[string]any
	Sections  map[string]string
	Failures  map[string]string
	Timestamp time.Time
}

// Engine builds summaries. The zero value is ready to use.
type Engine struct {
	logger logging.Logger
}

func NewEngine(logger logging.Logger) *Engine {
	return &Engine{logger: logging.OrNop(logger)}
}

// Summarize scores in.Data and assembles the final summary.
func (e *Engine) Summarize(ctx context.Context, in Input) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	scores := Scores(in.Data)
	for _, name := range scoreOrder {
		if math.IsNaN(scores[name]) || math.IsInf(scores[name], 0) {
			return Summary{}, fmt.Errorf("score %s is not a finite number", name)
		}
	}
	s := Build(in.Sections, scores, in.Failures, in.Timestamp)
	logging.OrNop(e.logger).Debug("Summary built: %d strength(s), %d weakness(es), %d agent error(s)",
		len(s.Strengths), len(s.Weaknesses), len(s.ErrorReport))
	return s, nil
}

// Scores computes the five 0-10 scores. Missing inputs fall back to neutral
// defaults.
func Scores(data map[string]any) map[string]float64 {
	tokenomics := section(data, "tokenomics_data")
	sentiment := section(data, "sentiment_data")
	code := section(data, "code_audit_data")
	audit := section(data, "audit_data")
	team := section(data, "team_data")

	distribution := number(tokenomics, "distribution_score", 0.5)
	utility := number(tokenomics, "utility_score", 0.5)
	positive := number(sentiment, "positive_sentiment_ratio", 0.5)
	negative := number(sentiment, "negative_sentiment_ratio", 0.5)
	coverage := number(code, "test_coverage", 0.7)
	bugDensity := number(code, "bug_density", 0.1)
	audits := number(audit, "num_audits", 1)
	resolved := number(audit, "critical_findings_resolved", 1.0)
	experience := number(team, "team_experience_score", 0.7)
	transparency := number(team, "transparency_score", 0.8)

	return map[string]float64{
		ScoreTokenomicsStrength: (distribution + utility) / 2 * 10,
		ScoreSentimentHealth:    (positive - negative + 1) / 2 * 10,
		ScoreCodeMaturity:       (coverage*0.6 + (1-bugDensity)*0.4) * 10,
		ScoreAuditConfidence:    math.Min(audits*2, 5) + resolved*5,
		ScoreTeamCredibility:    (experience*0.5 + transparency*0.5) * 10,
	}
}

// Build assembles a Summary from narrative sections, scores and agent
// failures. Sections and failures are emitted in name order.
func Build(sections map[string]string, scores map[string]float64, failures map[string]string, at time.Time) Summary {
	parts := make([]string, 0, len(sections))
	for _, name := range sortedKeys(sections) {
		parts = append(parts, fmt.Sprintf("%s Insights: %s", Title(name), sections[name]))
	}

	s := Summary{
		OverallSummary: strings.Join(parts, "\n\n"),
		Scores:         make(map[string]float64, len(scores)),
		Strengths:      []string{},
		Weaknesses:     []string{},
		ErrorReport:    []AgentError{},
	}
	for _, name := range orderedScores(scores) {
		value := scores[name]
		s.Scores[Title(name)] = math.Round(value*100) / 100
		switch {
		case value >= strengthThreshold:
			s.Strengths = append(s.Strengths, Title(name))
		case value < weaknessThreshold:
			s.Weaknesses = append(s.Weaknesses, Title(name))
		}
	}

	var ts string
	if !at.IsZero() {
		ts = at.UTC().Format(time.RFC3339)
	}
	for _, name := range sortedKeys(failures) {
		s.ErrorReport = append(s.ErrorReport, AgentError{
			AgentName:    Title(name),
			ErrorMessage: failures[name],
			Timestamp:    ts,
		})
	}
	return s
}

// Title turns snake_case into space separated title case.
func Title(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func orderedScores(scores map[string]float64) []string {
	names := make([]string, 0, len(scores))
	for _, name := range scoreOrder {
		if _, ok := scores[name]; ok {
			names = append(names, name)
		}
	}
	for _, name := range sortedKeys(scores) {
		if !slices.Contains(scoreOrder, name) {
			names = append(names, name)
		}
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func section(data map[string]any, key string) map[string]any {
	if m, ok := data[key].(map[string]any); ok {
		return m
	}
	return nil
}

func number(m map[string]any, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case interface{ Float64() (float64, error) }:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
