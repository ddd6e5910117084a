package nodes

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/narratia/inkflow/internal/expressions"
	"github.com/narratia/inkflow/pkg/schema"
)

// TextExtractHandler pulls a substring out of its input via regex, marker
// pair, or jq path. A miss yields an empty output unless strict is set, in
// which case the node fails.
type TextExtractHandler struct {
	jq *expressions.GoJQEngine

	regexMu    sync.RWMutex
	regexCache map[string]*regexp.Regexp
}

// NewTextExtractHandler creates the handler with a shared jq engine.
func NewTextExtractHandler(jq *expressions.GoJQEngine) *TextExtractHandler {
	return &TextExtractHandler{
		jq:         jq,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

func (h *TextExtractHandler) Type() schema.NodeType { return schema.NodeTypeTextExtract }

func (h *TextExtractHandler) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.TextExtractConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}

	var (
		out   string
		found bool
		err   error
	)
	switch cfg.Mode {
	case "regex":
		out, found, err = h.extractRegex(cfg, ec.Input)
	case "marker":
		out, found = extractMarker(cfg, ec.Input)
	case "json_path":
		out, found, err = h.extractJSONPath(ctx, cfg, ec.Input)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown extract mode %q", cfg.Mode).WithNode(ec.Node.ID)
	}
	if err != nil {
		return nil, err
	}

	if !found {
		if cfg.Strict {
			return nil, schema.NewErrorf(schema.ErrCodeExtractionMiss,
				"no match for %s extraction", cfg.Mode).WithNode(ec.Node.ID)
		}
		return &Result{Output: "", Meta: map[string]any{"matched": false}}, nil
	}
	return &Result{Output: out, Meta: map[string]any{"matched": true}}, nil
}

// extractRegex returns the first capture group when the pattern has one,
// otherwise the whole match.
func (h *TextExtractHandler) extractRegex(cfg schema.TextExtractConfig, input string) (string, bool, error) {
	if cfg.Pattern == "" {
		return "", false, schema.NewError(schema.ErrCodeValidation, "regex extraction requires a pattern")
	}
	re, err := h.compile(cfg.Pattern)
	if err != nil {
		return "", false, err
	}
	m := re.FindStringSubmatch(input)
	if m == nil {
		return "", false, nil
	}
	if len(m) > 1 {
		return m[1], true, nil
	}
	return m[0], true, nil
}

func extractMarker(cfg schema.TextExtractConfig, input string) (string, bool) {
	start := 0
	if cfg.StartMarker != "" {
		i := strings.Index(input, cfg.StartMarker)
		if i < 0 {
			return "", false
		}
		start = i + len(cfg.StartMarker)
	}
	rest := input[start:]
	if cfg.EndMarker == "" {
		return strings.TrimSpace(rest), true
	}
	j := strings.Index(rest, cfg.EndMarker)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

func (h *TextExtractHandler) extractJSONPath(ctx context.Context, cfg schema.TextExtractConfig, input string) (string, bool, error) {
	if cfg.Path == "" {
		return "", false, schema.NewError(schema.ErrCodeValidation, "json_path extraction requires a path")
	}
	var decoded any
	if err := json.Unmarshal([]byte(input), &decoded); err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeExtractionMiss,
			"json_path extraction: input is not valid JSON: %s", err.Error()).WithCause(err)
	}
	results, err := h.jq.Query(ctx, cfg.Path, decoded)
	if err != nil {
		return "", false, err
	}
	if len(results) == 0 || (len(results) == 1 && results[0] == nil) {
		return "", false, nil
	}
	if len(results) == 1 {
		return stringifyItem(results[0]), true, nil
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

func (h *TextExtractHandler) compile(pattern string) (*regexp.Regexp, error) {
	h.regexMu.RLock()
	re, ok := h.regexCache[pattern]
	h.regexMu.RUnlock()
	if ok {
		return re, nil
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid regex %q: %s", pattern, err.Error()).WithCause(err)
	}

	h.regexMu.Lock()
	h.regexCache[pattern] = compiled
	h.regexMu.Unlock()
	return compiled, nil
}
