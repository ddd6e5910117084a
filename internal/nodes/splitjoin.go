package nodes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/narratia/inkflow/pkg/schema"
)

// Split divides batch/parallel input into work items.
func Split(spec schema.SplitSpec, input string) ([]string, error) {
	switch spec.SplitMode {
	case "", "line":
		return splitClean(input, "\n"), nil
	case "separator":
		if spec.Separator == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "separator split requires a separator")
		}
		return splitClean(input, spec.Separator), nil
	case "json_array":
		var arr []any
		if err := json.Unmarshal([]byte(input), &arr); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"json_array split: input is not a JSON array: %s", err.Error()).WithCause(err)
		}
		items := make([]string, 0, len(arr))
		for _, v := range arr {
			items = append(items, stringifyItem(v))
		}
		return items, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown split mode %q", spec.SplitMode)
	}
}

// splitClean splits on sep and drops empty/whitespace-only items.
func splitClean(input, sep string) []string {
	parts := strings.Split(input, sep)
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func stringifyItem(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

// Join merges per-item results back into a single output, in item order.
func Join(spec schema.JoinSpec, results []string) (string, error) {
	if results == nil {
		results = []string{}
	}
	switch spec.OutputMode {
	case "", "array":
		raw, err := json.Marshal(results)
		if err != nil {
			return "", fmt.Errorf("marshal join results: %w", err)
		}
		return string(raw), nil
	case "concat":
		sep := spec.JoinSeparator
		if sep == "" {
			sep = "\n"
		}
		return strings.Join(results, sep), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown join mode %q", spec.OutputMode)
	}
}
