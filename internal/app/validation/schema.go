package validation

import (
	_ "embed"
	"fmt"
	"os"

	jsonx "chainreport/internal/shared/json"

	"github.com/google/jsonschema-go/jsonschema"
)

//go:embed report_schema.json
var defaultReportSchema []byte

// SchemaChecker validates a completed final report against a JSON schema
// (draft 2020-12).
type SchemaChecker struct {
	resolved *jsonschema.Resolved
}

// NewSchemaChecker compiles raw into a checker.
func NewSchemaChecker(raw []byte) (*SchemaChecker, error) {
	var schema jsonschema.Schema
	if err := jsonx.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse report schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve report schema: %w", err)
	}
	return &SchemaChecker{resolved: resolved}, nil
}

// DefaultSchemaChecker returns the checker for the built-in report shape.
func DefaultSchemaChecker() (*SchemaChecker, error) {
	return NewSchemaChecker(defaultReportSchema)
}

// LoadSchemaChecker reads a schema file from path.
func LoadSchemaChecker(path string) (*SchemaChecker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report schema: %w", err)
	}
	return NewSchemaChecker(raw)
}

// Check returns nil when report conforms to the schema.
func (c *SchemaChecker) Check(report map[string]any) error {
	if err := c.resolved.Validate(report); err != nil {
		return fmt.Errorf("report schema: %w", err)
	}
	return nil
}
