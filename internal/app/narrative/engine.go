// Package narrative turns merged agent data into per-section report text.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chainreport/internal/shared/async"
	"chainreport/internal/shared/logging"

	"golang.org/x/sync/errgroup"
)

// Section identifiers.
const (
	SectionTokenomics       = "tokenomics"
	SectionOnchainMetrics   = "onchain_metrics"
	SectionSocialSentiment  = "social_sentiment"
	SectionCodeAuditSummary = "code_audit_summary"
	SectionTeamDocs         = "team_documentation"
)

// ErrAllSectionsFailed is returned when the generator failed for every
// section that had data.
var ErrAllSectionsFailed = errors.New("narrative generation failed for every section")

// TextGenerator produces text for one section from its input data.
type TextGenerator interface {
	Generate(ctx context.Context, section string, data map[string]any) (string, error)
}

// GeneratorFunc adapts a function to TextGenerator.
type GeneratorFunc func(ctx context.Context, section string, data map[string]any) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, section string, data map[string]any) (string, error) {
	return f(ctx, section, data)
}

type sectionSpec struct {
	id      string
	label   string
	extract func(data map[string]any) map[string]any
}

var sections = []sectionSpec{
	{id: SectionTokenomics, label: "Tokenomics", extract: byKey("tokenomics")},
	{id: SectionOnchainMetrics, label: "On-chain metrics", extract: onchainMetrics},
	{id: SectionSocialSentiment, label: "Social sentiment", extract: byKey("social_sentiment")},
	{id: SectionCodeAuditSummary, label: "Code audit and repository", extract: codeAudit},
	{id: SectionTeamDocs, label: "Team documentation", extract: byKey("team_documentation")},
}

// Sections lists the section ids the engine produces.
func Sections() []string {
	ids := make([]string, len(sections))
	for i, s := range sections {
		ids[i] = s.id
	}
	return ids
}

// NotAvailableText is used for sections without input data.
func NotAvailableText(label string) string {
	return fmt.Sprintf("%s data is not available at this time. Please check back later for updates.", label)
}

// FailedText replaces a section whose generation failed.
func FailedText(section string) string {
	return fmt.Sprintf("Failed to generate %s summary due to an internal error.", section)
}

// RedactedText replaces a section that tripped the advisor filter.
const RedactedText = "This section was withheld because it read as financial advice."

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(logger) }
}

// WithAdvisorFilter redacts sections that match filter.
func WithAdvisorFilter(filter *AdvisorFilter) Option {
	return func(e *Engine) { e.filter = filter }
}

// WithMaxConcurrency bounds concurrent generator calls. Zero means no limit.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// Engine generates every section concurrently. One failed section falls back
// to FailedText and does not fail the others.
type Engine struct {
	generator      TextGenerator
	filter         *AdvisorFilter
	logger         logging.Logger
	maxConcurrency int
}

// NewEngine returns an engine using generator, or the template generator
// when generator is nil.
func NewEngine(generator TextGenerator, opts ...Option) *Engine {
	if generator == nil {
		generator = TemplateGenerator{}
	}
	e := &Engine{
		generator: generator,
		logger:    logging.NewComponentLogger("Narrative"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate returns section id -> text for every section.
func (e *Engine) Generate(ctx context.Context, data map[string]any) (map[string]string, error) {
	var (
		mu        sync.Mutex
		out       = make(map[string]string, len(sections))
		attempted int
		failed    int
	)
	g, gctx := errgroup.WithContext(ctx)
	if e.maxConcurrency > 0 {
		g.SetLimit(e.maxConcurrency)
	}
	for _, sec := range sections {
		input := sec.extract(data)
		if len(input) == 0 {
			mu.Lock()
			out[sec.id] = NotAvailableText(sec.label)
			mu.Unlock()
			continue
		}
		attempted++
		g.Go(func() error {
			var text string
			err := async.Call(e.logger, "narrative."+sec.id, func() error {
				var genErr error
				text, genErr = e.generator.Generate(gctx, sec.id, input)
				return genErr
			})
			if err == nil && strings.TrimSpace(text) == "" {
				err = fmt.Errorf("generator returned empty text for %s", sec.id)
			}
			if err != nil {
				e.logger.Error("Error generating %s section: %v", sec.id, err)
				text = FailedText(sec.id)
			} else if e.filter.Matches(text) {
				e.logger.Warn("Section %s matched the advisor filter; redacting", sec.id)
				text = RedactedText
			}
			mu.Lock()
			out[sec.id] = text
			if err != nil {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if attempted > 0 && failed == attempted {
		return out, ErrAllSectionsFailed
	}
	return out, nil
}

func byKey(key string) func(map[string]any) map[string]any {
	return func(data map[string]any) map[string]any {
		m, _ := data[key].(map[string]any)
		return m
	}
}

func onchainMetrics(data map[string]any) map[string]any {
	raw, _ := data["onchain_metrics"].(map[string]any)
	if len(raw) == 0 || raw["status"] == "failed" {
		return nil
	}
	out := make(map[string]any, 4)
	for _, key := range []string{"active_addresses", "holders", "transaction_flows", "liquidity"} {
		if v, ok := raw[key]; ok && v != nil {
			out[key] = v
		} else {
			out[key] = "N/A"
		}
	}
	return out
}

func codeAudit(data map[string]any) map[string]any {
	raw, _ := data["code_audit"].(map[string]any)
	code, _ := raw["code_metrics"].(map[string]any)
	audit := raw["audit_summary"]
	if len(code) == 0 && isEmpty(audit) {
		return nil
	}
	out := map[string]any{"code_data": "N/A", "audit_data": "N/A"}
	if len(code) > 0 {
		out["code_data"] = code
	}
	if !isEmpty(audit) {
		out["audit_data"] = audit
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}
