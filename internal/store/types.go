package store

import (
	"encoding/json"
	"time"

	"github.com/narratia/inkflow/pkg/schema"
)

// Project groups workflows and the setting library.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Workflow is the persisted workflow row. Nodes live in their own table and
// are loaded ordered by order_index.
type Workflow struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	LoopMaxCount   int       `json:"loop_max_count"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Node is the persisted node row.
type Node struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Type          schema.NodeType `json:"type"`
	Name          string          `json:"name"`
	Config        json.RawMessage `json:"config"`
	OrderIndex    int             `json:"order_index"`
	BlockID       string          `json:"block_id,omitempty"`
	ParentBlockID string          `json:"parent_block_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Setting is one entry of the project's setting library (character, world,
// style, outline...). Enabled entries are injected into AI prompts.
type Setting struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Category  string    `json:"category"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingPrompt is the per-category template that wraps injected settings.
type SettingPrompt struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Category       string `json:"category"`
	PromptTemplate string `json:"prompt_template"`
	Enabled        bool   `json:"enabled"`
}

// GlobalConfig is the single-row application configuration.
type GlobalConfig struct {
	AIProviders    json.RawMessage `json:"ai_providers"`
	Theme          string          `json:"theme,omitempty"`
	DefaultLoopMax int             `json:"default_loop_max"`
	DefaultTimeout int             `json:"default_timeout"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id"`
	Status            schema.ExecutionStatus `json:"status"`
	Input             string                 `json:"input,omitempty"`
	FinalOutput       string                 `json:"final_output,omitempty"`
	VariablesSnapshot json.RawMessage        `json:"variables_snapshot,omitempty"`
	Error             json.RawMessage        `json:"error,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
}

// NodeResult is the per-(node, iteration) trace record. Immutable once
// finished_at is set, except explicit output edits during a pause.
type NodeResult struct {
	ID             string            `json:"id"`
	ExecutionID    string            `json:"execution_id"`
	NodeID         string            `json:"node_id"`
	Iteration      int               `json:"iteration"` // 1-based
	Input          string            `json:"input,omitempty"`
	Output         string            `json:"output,omitempty"`
	ResolvedConfig json.RawMessage   `json:"resolved_config,omitempty"`
	Status         schema.NodeStatus `json:"status"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// Event is an immutable entry in the execution trace log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// WorkflowVersion is a point-in-time snapshot of a workflow and its nodes.
type WorkflowVersion struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	VersionNumber int             `json:"version_number"`
	Snapshot      json.RawMessage `json:"snapshot"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ScheduledRun is a cron-triggered workflow execution.
type ScheduledRun struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Input          string     `json:"input,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status            *schema.ExecutionStatus `json:"status,omitempty"`
	FinalOutput       *string                 `json:"final_output,omitempty"`
	VariablesSnapshot json.RawMessage         `json:"variables_snapshot,omitempty"`
	Error             json.RawMessage         `json:"error,omitempty"`
	FinishedAt        *time.Time              `json:"finished_at,omitempty"`
}

// NodeResultUpdate specifies mutable fields of a node result.
type NodeResultUpdate struct {
	Status         *schema.NodeStatus `json:"status,omitempty"`
	Output         *string            `json:"output,omitempty"`
	ResolvedConfig json.RawMessage    `json:"resolved_config,omitempty"`
	Error          *string            `json:"error,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// SettingFilter specifies criteria for listing settings.
type SettingFilter struct {
	ProjectID string `json:"project_id,omitempty"`
	Category  string `json:"category,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// EventFilter specifies criteria for listing trace events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
