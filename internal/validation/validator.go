package validation

import "github.com/narratia/inkflow/pkg/schema"

// Validator checks workflows for correctness before execution or save.
// Config shapes are checked with JSON Schema Draft 2020-12; everything the
// schema cannot express goes through semantic analysis.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult
}
