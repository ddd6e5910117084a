package settings

import (
	"context"
	"fmt"
	"strings"

	"github.com/narratia/inkflow/internal/store"
)

// settingsPlaceholder marks where rendered entries land in a category template.
const settingsPlaceholder = "{{settings}}"

// Library is the slice of store access the injector needs.
type Library interface {
	ListSettings(ctx context.Context, filter store.SettingFilter) ([]*store.Setting, error)
	ListSettingPrompts(ctx context.Context, projectID string) ([]*store.SettingPrompt, error)
}

// Injector renders a project's enabled settings into prompt context for
// ai_chat nodes. Each category is rendered through its prompt template when
// one exists, or a plain header block otherwise.
type Injector struct {
	lib Library
}

// NewInjector creates an Injector backed by the given library.
func NewInjector(lib Library) *Injector {
	return &Injector{lib: lib}
}

// Render builds the injected context for a project. categories limits which
// setting categories are included; empty means all categories that have
// enabled entries. Returns "" when nothing is enabled.
func (i *Injector) Render(ctx context.Context, projectID string, categories []string) (string, error) {
	enabled := true
	all, err := i.lib.ListSettings(ctx, store.SettingFilter{ProjectID: projectID, Enabled: &enabled})
	if err != nil {
		return "", fmt.Errorf("list settings: %w", err)
	}
	if len(all) == 0 {
		return "", nil
	}

	prompts, err := i.lib.ListSettingPrompts(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("list setting prompts: %w", err)
	}
	templates := make(map[string]string, len(prompts))
	for _, p := range prompts {
		if p.Enabled {
			templates[p.Category] = p.PromptTemplate
		}
	}

	byCategory := make(map[string][]*store.Setting)
	var order []string
	for _, s := range all {
		if _, seen := byCategory[s.Category]; !seen {
			order = append(order, s.Category)
		}
		byCategory[s.Category] = append(byCategory[s.Category], s)
	}
	if len(categories) > 0 {
		order = nil
		for _, c := range categories {
			if _, ok := byCategory[c]; ok {
				order = append(order, c)
			}
		}
	}

	var sections []string
	for _, category := range order {
		entries := byCategory[category]
		var lines []string
		for _, s := range entries {
			lines = append(lines, fmt.Sprintf("%s: %s", s.Name, s.Content))
		}
		body := strings.Join(lines, "\n")

		if tmpl, ok := templates[category]; ok {
			sections = append(sections, strings.ReplaceAll(tmpl, settingsPlaceholder, body))
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n%s", category, body))
	}
	return strings.Join(sections, "\n\n"), nil
}

// Compose prepends rendered setting context to a system prompt. Either part
// may be empty; the result never carries a dangling separator.
func Compose(injected, systemPrompt string) string {
	switch {
	case injected == "":
		return systemPrompt
	case systemPrompt == "":
		return injected
	default:
		return injected + "\n\n" + systemPrompt
	}
}
