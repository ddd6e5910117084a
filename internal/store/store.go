package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Workflows and nodes
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, projectID string) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	ReplaceNodes(ctx context.Context, workflowID string, nodes []*Node) error
	ListNodes(ctx context.Context, workflowID string) ([]*Node, error)

	// Workflow versioning
	SnapshotWorkflow(ctx context.Context, v *WorkflowVersion) error
	ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error)
	GetVersion(ctx context.Context, id string) (*WorkflowVersion, error)

	// Setting library
	UpsertSetting(ctx context.Context, s *Setting) error
	ListSettings(ctx context.Context, filter SettingFilter) ([]*Setting, error)
	DeleteSetting(ctx context.Context, id string) error
	UpsertSettingPrompt(ctx context.Context, p *SettingPrompt) error
	ListSettingPrompts(ctx context.Context, projectID string) ([]*SettingPrompt, error)

	// Global config
	GetGlobalConfig(ctx context.Context) (*GlobalConfig, error)
	UpdateGlobalConfig(ctx context.Context, cfg *GlobalConfig) error

	// Execution recording
	Recorder

	// Execution queries
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	GetNodeResult(ctx context.Context, id string) (*NodeResult, error)
	ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error)

	// Trace events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Secrets (encrypted provider API keys)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Recorder is the execution persistence contract the engine depends on.
// The executor is the only caller; the recorder never calls back into it.
type Recorder interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	CreateNodeResult(ctx context.Context, result *NodeResult) error
	UpdateNodeResult(ctx context.Context, id string, update NodeResultUpdate) error
}
