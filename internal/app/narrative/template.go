package narrative

import (
	"context"
	"fmt"
	"slices"
	"strings"

	jsonx "chainreport/internal/shared/json"
)

// TemplateGenerator renders a deterministic sentence listing the section's
// fields. It is the default when no language model is configured.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, section string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s is %s", strings.ReplaceAll(k, "_", " "), render(data[k])))
	}
	return fmt.Sprintf("%s overview: %s.", labelFor(section), strings.Join(parts, "; ")), nil
}

func labelFor(section string) string {
	for _, s := range sections {
		if s.id == section {
			return s.label
		}
	}
	return strings.ReplaceAll(section, "_", " ")
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "N/A"
	case map[string]any, []any:
		b, err := jsonx.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
