package nodes

import (
	"context"
	"log/slog"

	"github.com/narratia/inkflow/internal/ai"
	"github.com/narratia/inkflow/internal/settings"
	"github.com/narratia/inkflow/pkg/schema"
)

// AIChatHandler runs a streaming model call. The prompt and system prompt are
// resolved against the variable store; enabled project settings are injected
// into the system prompt when the node opts in.
type AIChatHandler struct {
	providers *ai.Registry
	injector  *settings.Injector
	logger    *slog.Logger

	// Fallbacks for nodes that don't name a provider/model.
	DefaultProvider string
	DefaultModel    string
}

// NewAIChatHandler creates the handler. injector may be nil when setting
// injection is not wired.
func NewAIChatHandler(providers *ai.Registry, injector *settings.Injector, logger *slog.Logger) *AIChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AIChatHandler{providers: providers, injector: injector, logger: logger}
}

func (h *AIChatHandler) Type() schema.NodeType { return schema.NodeTypeAIChat }

func (h *AIChatHandler) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.AIChatConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ai_chat requires a prompt").WithNode(ec.Node.ID)
	}

	provider := cfg.Provider
	if provider == "" {
		provider = h.DefaultProvider
	}
	model := cfg.Model
	if model == "" {
		model = h.DefaultModel
	}
	client, err := h.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	req, err := h.buildRequest(ctx, ec, cfg, model)
	if err != nil {
		return nil, err
	}

	maxAttempts := 1
	if cfg.Retry != nil && cfg.Retry.Max > 0 {
		maxAttempts += cfg.Retry.Max
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := ai.ComputeBackoff(cfg.Retry, attempt-1)
			h.logger.WarnContext(ctx, "retrying ai_chat call",
				"node_id", ec.Node.ID, "attempt", attempt, "delay", delay.String(), "error", lastErr)
			if err := ai.WaitForBackoff(ctx, delay); err != nil {
				return nil, err
			}
		}

		out, err := h.streamOnce(ctx, client, req, ec.OnDelta)
		if err == nil {
			return &Result{Output: out, Meta: map[string]any{"provider": provider, "model": model}}, nil
		}
		lastErr = err
		if ctx.Err() != nil || !ai.IsRetryableError(err) {
			break
		}
	}
	return nil, lastErr
}

func (h *AIChatHandler) buildRequest(ctx context.Context, ec *ExecContext, cfg schema.AIChatConfig, model string) (ai.Request, error) {
	system := ec.Vars.Resolve(cfg.SystemPrompt)
	if cfg.InjectSettings && h.injector != nil && ec.ProjectID != "" {
		injected, err := h.injector.Render(ctx, ec.ProjectID, cfg.Categories)
		if err != nil {
			return ai.Request{}, err
		}
		system = settings.Compose(injected, system)
	}

	var messages []ai.Message
	if system != "" {
		messages = append(messages, ai.Message{Role: "system", Content: system})
	}
	if cfg.HistoryCount > 0 {
		turns := ec.History
		if len(turns) > cfg.HistoryCount {
			turns = turns[len(turns)-cfg.HistoryCount:]
		}
		for _, t := range turns {
			messages = append(messages,
				ai.Message{Role: "user", Content: t.Prompt},
				ai.Message{Role: "assistant", Content: t.Response},
			)
		}
	}
	messages = append(messages, ai.Message{Role: "user", Content: ec.Vars.Resolve(cfg.Prompt)})

	req := ai.Request{
		Model:       model,
		Messages:    messages,
		Temperature: cfg.Temperature,
	}
	if cfg.MaxTokens > 0 {
		mt := cfg.MaxTokens
		req.MaxTokens = &mt
	}
	return req, nil
}

func (h *AIChatHandler) streamOnce(ctx context.Context, client ai.Client, req ai.Request, onDelta func(string) error) (string, error) {
	stream, err := client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return ai.Collect(ctx, stream, onDelta)
}
