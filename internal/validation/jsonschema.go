package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/narratia/inkflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// nodeConfigSchemaJSON holds a JSON Schema per node type, keyed under $defs.
// Embedded as a constant to avoid filesystem dependencies. Unknown keys are
// allowed everywhere; editor-only fields pass through config untouched.
const nodeConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://inkflow.dev/schemas/node-config.json",
  "$defs": {
    "start": {
      "type": "object",
      "properties": {
        "variables": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      }
    },
    "output": {
      "type": "object",
      "properties": {
        "format": { "type": "string", "enum": ["text", "markdown"] }
      }
    },
    "ai_chat": {
      "type": "object",
      "required": ["prompt"],
      "properties": {
        "provider": { "type": "string" },
        "model": { "type": "string" },
        "prompt": { "type": "string", "minLength": 1 },
        "system_prompt": { "type": "string" },
        "inject_settings": { "type": "boolean" },
        "categories": {
          "type": "array",
          "items": { "type": "string" }
        },
        "history_count": { "type": "integer", "minimum": 0 },
        "temperature": { "type": "number", "minimum": 0, "maximum": 2 },
        "max_tokens": { "type": "integer", "minimum": 1 },
        "retry": { "$ref": "#/$defs/retry" }
      }
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      }
    },
    "text_extract": {
      "type": "object",
      "required": ["mode"],
      "properties": {
        "mode": { "type": "string", "enum": ["regex", "marker", "json_path"] },
        "pattern": { "type": "string" },
        "start_marker": { "type": "string" },
        "end_marker": { "type": "string" },
        "path": { "type": "string" },
        "strict": { "type": "boolean" }
      }
    },
    "text_concat": {
      "type": "object",
      "required": ["sources"],
      "properties": {
        "sources": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "type": { "type": "string", "enum": ["previous", "variable", "literal"] },
              "value": { "type": "string" }
            }
          }
        },
        "separator": { "type": "string" }
      }
    },
    "var_update": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "enum": ["input", "literal"] },
        "value": { "type": "string" }
      }
    },
    "condition_spec": {
      "type": "object",
      "required": ["mode"],
      "properties": {
        "mode": {
          "type": "string",
          "enum": ["keyword", "length", "regex", "expression", "ai"]
        },
        "keywords": {
          "type": "array",
          "items": { "type": "string" }
        },
        "match": { "type": "string", "enum": ["any", "all", "none"] },
        "op": { "type": "string", "enum": ["gt", "gte", "lt", "lte", "eq"] },
        "length": { "type": "integer", "minimum": 0 },
        "pattern": { "type": "string" },
        "expression": { "type": "string" },
        "prompt": { "type": "string" },
        "provider": { "type": "string" },
        "model": { "type": "string" }
      }
    },
    "condition_if": { "$ref": "#/$defs/condition_spec" },
    "condition": {
      "allOf": [
        { "$ref": "#/$defs/condition_spec" },
        {
          "type": "object",
          "required": ["on_true", "on_false"],
          "properties": {
            "on_true": { "$ref": "#/$defs/branch" },
            "on_false": { "$ref": "#/$defs/branch" }
          }
        }
      ]
    },
    "branch": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": { "type": "string", "enum": ["jump", "continue", "end"] },
        "target": { "type": "string" }
      }
    },
    "loop_start": {
      "type": "object",
      "properties": {
        "mode": { "type": "string", "enum": ["count", "condition"] },
        "max_iterations": { "type": "integer", "minimum": 1, "maximum": 50 },
        "condition": { "type": "string" }
      }
    },
    "loop": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "target": { "type": "string", "minLength": 1 },
        "max_iterations": { "type": "integer", "minimum": 1, "maximum": 50 }
      }
    },
    "parallel_start": {
      "type": "object",
      "properties": {
        "split_mode": { "type": "string", "enum": ["line", "separator", "json_array"] },
        "separator": { "type": "string" },
        "output_mode": { "type": "string", "enum": ["array", "concat"] },
        "join_separator": { "type": "string" },
        "concurrency": { "type": "integer", "minimum": 1, "maximum": 10 }
      }
    },
    "batch": {
      "type": "object",
      "required": ["targets"],
      "properties": {
        "targets": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "split_mode": { "type": "string", "enum": ["line", "separator", "json_array"] },
        "separator": { "type": "string" },
        "output_mode": { "type": "string", "enum": ["array", "concat"] },
        "join_separator": { "type": "string" },
        "concurrency": { "type": "integer", "minimum": 1, "maximum": 10 }
      }
    }
  }
}`

const nodeConfigSchemaID = "https://inkflow.dev/schemas/node-config.json"

// configDefs maps node types to their $defs entry. Types without an entry
// carry no config worth checking (block end markers, condition_else).
var configDefs = map[schema.NodeType]string{
	schema.NodeTypeStart:         "start",
	schema.NodeTypeOutput:        "output",
	schema.NodeTypeAIChat:        "ai_chat",
	schema.NodeTypeTextExtract:   "text_extract",
	schema.NodeTypeTextConcat:    "text_concat",
	schema.NodeTypeVarUpdate:     "var_update",
	schema.NodeTypeCondition:     "condition",
	schema.NodeTypeConditionIf:   "condition_if",
	schema.NodeTypeLoop:          "loop",
	schema.NodeTypeLoopStart:     "loop_start",
	schema.NodeTypeParallelStart: "parallel_start",
	schema.NodeTypeBatch:         "batch",
}

// ConfigValidator validates per-node config payloads against JSON Schema
// Draft 2020-12. Schemas are compiled once at construction; the validator is
// safe for concurrent use.
type ConfigValidator struct {
	schemas map[schema.NodeType]*jsonschema.Schema
}

// NewConfigValidator compiles the embedded node config schemas.
func NewConfigValidator() (*ConfigValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(nodeConfigSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal node config schema: %w", err)
	}
	if err := c.AddResource(nodeConfigSchemaID, doc); err != nil {
		return nil, fmt.Errorf("add node config schema resource: %w", err)
	}

	schemas := make(map[schema.NodeType]*jsonschema.Schema, len(configDefs))
	for nodeType, def := range configDefs {
		compiled, err := c.Compile(nodeConfigSchemaID + "#/$defs/" + def)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", nodeType, err)
		}
		schemas[nodeType] = compiled
	}

	return &ConfigValidator{schemas: schemas}, nil
}

// ValidateConfig checks a node's config against the schema for its type.
// Types without a registered schema pass. An absent config is validated as
// an empty object so required-field violations still surface.
func (v *ConfigValidator) ValidateConfig(n *schema.Node) error {
	compiled, ok := v.schemas[n.Type]
	if !ok {
		return nil
	}

	raw := n.Config
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "config is not valid JSON").
			WithNode(n.ID).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		fe := toFlowError(err)
		return fe.WithNode(n.ID)
	}
	return nil
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// the leaf violations listed in details.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("config validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
