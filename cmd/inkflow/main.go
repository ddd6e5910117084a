package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/narratia/inkflow/internal/ai"
	"github.com/narratia/inkflow/internal/engine"
	"github.com/narratia/inkflow/internal/expressions"
	"github.com/narratia/inkflow/internal/logging"
	"github.com/narratia/inkflow/internal/nodes"
	"github.com/narratia/inkflow/internal/scheduler"
	"github.com/narratia/inkflow/internal/secrets"
	"github.com/narratia/inkflow/internal/settings"
	"github.com/narratia/inkflow/internal/store"
	"github.com/narratia/inkflow/internal/streaming"
	"github.com/narratia/inkflow/internal/validation"
	"github.com/narratia/inkflow/pkg/schema"
)

const usage = `inkflow - creative writing workflow engine

Usage:
  inkflow run <workflow.json> [-input text] [-input-file path]
  inkflow validate <workflow.json>
  inkflow schedule
  inkflow version
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "inkflow:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if len(args) == 0 {
		fmt.Print(usage)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "version":
		printVersion()
		return nil
	case "validate":
		return cmdValidate(args[1:])
	case "run":
		return cmdRun(ctx, cfg, logger, args[1:])
	case "schedule":
		return cmdSchedule(ctx, cfg, logger)
	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newLogger(level string) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{Level: parseLogLevel(level)})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func cmdValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("validate: workflow file required")
	}
	wf, err := loadWorkflowFile(args[0])
	if err != nil {
		return err
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return err
	}
	result := validator.ValidateWorkflow(wf)
	for _, w := range result.Warnings {
		fmt.Printf("warning %s: %s\n", w.Path, w.Message)
	}
	for _, e := range result.Errors {
		fmt.Printf("error %s: %s\n", e.Path, e.Message)
	}
	if !result.Valid() {
		return fmt.Errorf("workflow is invalid (%d errors)", len(result.Errors))
	}
	fmt.Println("workflow is valid")
	return nil
}

func cmdRun(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	input := fs.String("input", "", "execution input text")
	inputFile := fs.String("input-file", "", "read execution input from a file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("run: workflow file required")
	}

	wf, err := loadWorkflowFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *inputFile != "" {
		data, err := os.ReadFile(*inputFile)
		if err != nil {
			return fmt.Errorf("read input file: %w", err)
		}
		*input = string(data)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	result := a.validator.ValidateWorkflow(wf)
	for _, w := range result.Warnings {
		logger.Warn("workflow warning", "path", w.Path, "message", w.Message)
	}
	if err := result.ToError(); err != nil {
		return err
	}

	res, err := a.engine.Run(ctx, wf, *input)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("execution %s %s: %w", res.ExecutionID, res.Status, res.Error)
	}

	duration := ""
	if res.FinishedAt != nil {
		duration = res.FinishedAt.Sub(res.StartedAt).String()
	}
	logger.Info("execution finished",
		"execution_id", res.ExecutionID,
		"status", string(res.Status),
		"duration", duration,
	)
	fmt.Println(res.Output)
	return nil
}

func cmdSchedule(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.st, &engineRunner{eng: a.engine}, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Error("missed schedule recovery failed", "error", err.Error())
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return sched.Stop()
}

// engineRunner adapts the engine to the scheduler's Runner interface.
type engineRunner struct {
	eng *engine.Engine
}

func (r *engineRunner) RunWorkflow(ctx context.Context, wf *schema.Workflow, input string) error {
	res, err := r.eng.Run(ctx, wf, input)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// app bundles the wired components behind the CLI commands.
type app struct {
	st        *store.LibSQLStore
	engine    *engine.Engine
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(inkflowDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create inkflow dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	providers, err := buildProviders(ctx, st, vault, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	jq := expressions.NewGoJQEngine()
	evaluator := nodes.NewEvaluator(expressions.NewExprEngine(), providers)

	chat := nodes.NewAIChatHandler(providers, settings.NewInjector(st), logger)
	chat.DefaultProvider = cfg.DefaultProvider
	chat.DefaultModel = cfg.DefaultModel

	registry := nodes.NewRegistry()
	handlers := []nodes.Handler{
		&nodes.StartHandler{},
		&nodes.OutputHandler{},
		&nodes.TextConcatHandler{},
		&nodes.VarUpdateHandler{},
		nodes.NewTextExtractHandler(jq),
		chat,
		nodes.NewLegacyConditionHandler(evaluator),
		&nodes.LegacyLoopHandler{},
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			st.Close()
			return nil, err
		}
	}

	eng := engine.NewEngine(st, streaming.NewMemoryHub(), registry, evaluator,
		engine.Config{PoolSize: cfg.PoolSize}, logger)

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		eng.Shutdown()
		st.Close()
		return nil, err
	}

	return &app{st: st, engine: eng, validator: validator, logger: logger}, nil
}

func (a *app) Close() {
	a.engine.Shutdown()
	if err := a.st.Close(); err != nil {
		a.logger.Error("store close failed", "error", err.Error())
	}
}

// providerEntry is one configured AI provider in global_config.ai_providers.
// The API key lives in the vault under KeyRef, or in the environment variable
// named by KeyEnv.
type providerEntry struct {
	Name         string `json:"name"`
	BaseURL      string `json:"base_url,omitempty"`
	KeyRef       string `json:"key_ref,omitempty"`
	KeyEnv       string `json:"key_env,omitempty"`
	Enabled      bool   `json:"enabled"`
	DefaultModel string `json:"default_model,omitempty"`
}

// buildProviders registers a breaker-guarded client per configured provider.
// With no configuration at all, OPENAI_API_KEY still yields a working
// "openai" provider.
func buildProviders(ctx context.Context, st store.Store, vault secrets.Vault, logger *slog.Logger) (*ai.Registry, error) {
	registry := ai.NewRegistry()
	breakers := ai.NewBreakerRegistry(ai.DefaultBreakerConfig())

	var entries []providerEntry
	if gc, err := st.GetGlobalConfig(ctx); err == nil && gc != nil && len(gc.AIProviders) > 0 {
		if err := json.Unmarshal(gc.AIProviders, &entries); err != nil {
			return nil, fmt.Errorf("parse ai_providers config: %w", err)
		}
	}

	for _, entry := range entries {
		if !entry.Enabled || entry.Name == "" {
			continue
		}
		key, err := resolveAPIKey(ctx, vault, entry)
		if err != nil {
			logger.Warn("skipping AI provider, no usable API key",
				"provider", entry.Name, "error", err.Error())
			continue
		}
		client := ai.NewOpenAIClient(entry.BaseURL, key, ai.WithProviderName(entry.Name))
		registry.Register(entry.Name, ai.NewGuardedClient(client, breakers))
	}

	if len(registry.Names()) == 0 {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			client := ai.NewOpenAIClient("", key)
			registry.Register("openai", ai.NewGuardedClient(client, breakers))
		} else {
			logger.Warn("no AI providers configured; ai_chat nodes will fail")
		}
	}

	return registry, nil
}

func resolveAPIKey(ctx context.Context, vault secrets.Vault, entry providerEntry) (string, error) {
	if entry.KeyRef != "" && vault != nil {
		key, err := vault.Resolve(ctx, entry.KeyRef)
		if err != nil {
			return "", err
		}
		return string(key), nil
	}
	if entry.KeyEnv != "" {
		if key := os.Getenv(entry.KeyEnv); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("environment variable %s is empty", entry.KeyEnv)
	}
	return "", fmt.Errorf("provider %q has neither key_ref nor key_env", entry.Name)
}

// loadWorkflowFile reads an executable workflow definition from disk.
func loadWorkflowFile(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &wf, nil
}
