package validation

import (
	"errors"
	"fmt"

	"github.com/narratia/inkflow/pkg/schema"
)

// WorkflowValidator combines schema-based config checks with semantic
// analysis. It is the validation entry point for save and run paths.
type WorkflowValidator struct {
	configs *ConfigValidator
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator compiles the node config schemas and returns a
// ready-to-use validator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	configs, err := NewConfigValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{configs: configs}, nil
}

// ValidateWorkflow checks the workflow end to end. Config violations and
// semantic problems are accumulated into a single result; warnings never
// block execution.
func (v *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.AddError("", schema.ErrCodeValidation, "workflow is nil")
		return result
	}

	for i := range wf.Nodes {
		if err := v.configs.ValidateConfig(&wf.Nodes[i]); err != nil {
			path := fmt.Sprintf("nodes[%d].config", i)
			var fe *schema.FlowError
			if errors.As(err, &fe) {
				result.AddError(path, fe.Code, fe.Message)
			} else {
				result.AddError(path, schema.ErrCodeValidation, err.Error())
			}
		}
	}

	result.Merge(validateSemantic(wf))
	return result
}
