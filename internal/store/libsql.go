package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/narratia/inkflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/inkflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Projects ---

func (s *LibSQLStore) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, updated_at=CURRENT_TIMESTAMP`,
		p.ID, p.Name, nullStr(p.Description), timeOrNow(p.CreatedAt), timeOrNow(p.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &desc, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	p.Description = desc.String
	return p, nil
}

func (s *LibSQLStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *LibSQLStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "project", id)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, project_id, name, description, loop_max_count, timeout_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   loop_max_count=excluded.loop_max_count, timeout_seconds=excluded.timeout_seconds,
		   updated_at=CURRENT_TIMESTAMP`,
		wf.ID, wf.ProjectID, wf.Name, nullStr(wf.Description),
		wf.LoopMaxCount, wf.TimeoutSeconds,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, description, loop_max_count, timeout_seconds, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.ProjectID, &wf.Name, &desc, &wf.LoopMaxCount, &wf.TimeoutSeconds, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, projectID string) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, description, loop_max_count, timeout_seconds, created_at, updated_at
		 FROM workflows WHERE project_id = ? ORDER BY created_at DESC`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var desc sql.NullString
		if err := rows.Scan(&wf.ID, &wf.ProjectID, &wf.Name, &desc, &wf.LoopMaxCount, &wf.TimeoutSeconds, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// ReplaceNodes atomically swaps a workflow's node list. order_index is
// rewritten densely from the slice order.
func (s *LibSQLStore) ReplaceNodes(ctx context.Context, workflowID string, nodes []*Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	for i, n := range nodes {
		cfg := n.Config
		if len(cfg) == 0 {
			cfg = json.RawMessage("{}")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (id, workflow_id, type, name, config, order_index, block_id, parent_block_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, workflowID, string(n.Type), n.Name, string(cfg), i,
			nullStr(n.BlockID), nullStr(n.ParentBlockID),
			timeOrNow(n.CreatedAt), timeOrNow(n.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListNodes(ctx context.Context, workflowID string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, type, name, config, order_index, block_id, parent_block_id, created_at, updated_at
		 FROM nodes WHERE workflow_id = ? ORDER BY order_index ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n := &Node{}
		var nodeType, cfg string
		var blockID, parentBlockID sql.NullString
		if err := rows.Scan(&n.ID, &n.WorkflowID, &nodeType, &n.Name, &cfg, &n.OrderIndex,
			&blockID, &parentBlockID, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Type = schema.NodeType(nodeType)
		n.Config = json.RawMessage(cfg)
		n.BlockID = blockID.String
		n.ParentBlockID = parentBlockID.String
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- Workflow versions ---

func (s *LibSQLStore) SnapshotWorkflow(ctx context.Context, v *WorkflowVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if v.VersionNumber == 0 {
		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM workflow_versions WHERE workflow_id = ?`, v.WorkflowID,
		).Scan(&next); err != nil {
			return fmt.Errorf("next version number: %w", err)
		}
		v.VersionNumber = next
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, workflow_id, version_number, snapshot, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.WorkflowID, v.VersionNumber, string(v.Snapshot), nullStr(v.Description), timeOrNow(v.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, version_number, snapshot, description, created_at
		 FROM workflow_versions WHERE workflow_id = ? ORDER BY version_number DESC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*WorkflowVersion
	for rows.Next() {
		v := &WorkflowVersion{}
		var snapshot string
		var desc sql.NullString
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &snapshot, &desc, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Snapshot = json.RawMessage(snapshot)
		v.Description = desc.String
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *LibSQLStore) GetVersion(ctx context.Context, id string) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var snapshot string
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version_number, snapshot, description, created_at
		 FROM workflow_versions WHERE id = ?`, id,
	).Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &snapshot, &desc, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_version", id)
	}
	if err != nil {
		return nil, err
	}
	v.Snapshot = json.RawMessage(snapshot)
	v.Description = desc.String
	return v, nil
}

// --- Settings ---

func (s *LibSQLStore) UpsertSetting(ctx context.Context, set *Setting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (id, project_id, category, name, content, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   category=excluded.category, name=excluded.name, content=excluded.content,
		   enabled=excluded.enabled, updated_at=CURRENT_TIMESTAMP`,
		set.ID, set.ProjectID, set.Category, set.Name, set.Content, boolToInt(set.Enabled),
		timeOrNow(set.CreatedAt), timeOrNow(set.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListSettings(ctx context.Context, filter SettingFilter) ([]*Setting, error) {
	var where []string
	var args []any

	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, project_id, category, name, content, enabled, created_at, updated_at FROM settings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY category, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		set := &Setting{}
		var enabled int
		if err := rows.Scan(&set.ID, &set.ProjectID, &set.Category, &set.Name, &set.Content, &enabled, &set.CreatedAt, &set.UpdatedAt); err != nil {
			return nil, err
		}
		set.Enabled = enabled != 0
		settings = append(settings, set)
	}
	return settings, rows.Err()
}

func (s *LibSQLStore) DeleteSetting(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "setting", id)
}

func (s *LibSQLStore) UpsertSettingPrompt(ctx context.Context, p *SettingPrompt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO setting_prompts (id, project_id, category, prompt_template, enabled)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   category=excluded.category, prompt_template=excluded.prompt_template, enabled=excluded.enabled`,
		p.ID, p.ProjectID, p.Category, p.PromptTemplate, boolToInt(p.Enabled),
	)
	return err
}

func (s *LibSQLStore) ListSettingPrompts(ctx context.Context, projectID string) ([]*SettingPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, category, prompt_template, enabled
		 FROM setting_prompts WHERE project_id = ? ORDER BY category`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []*SettingPrompt
	for rows.Next() {
		p := &SettingPrompt{}
		var enabled int
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Category, &p.PromptTemplate, &enabled); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// --- Global config ---

func (s *LibSQLStore) GetGlobalConfig(ctx context.Context) (*GlobalConfig, error) {
	cfg := &GlobalConfig{}
	var providers string
	var theme sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT ai_providers, theme, default_loop_max, default_timeout FROM global_config WHERE id = 1`,
	).Scan(&providers, &theme, &cfg.DefaultLoopMax, &cfg.DefaultTimeout)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("global_config", "1")
	}
	if err != nil {
		return nil, err
	}
	cfg.AIProviders = json.RawMessage(providers)
	cfg.Theme = theme.String
	return cfg, nil
}

func (s *LibSQLStore) UpdateGlobalConfig(ctx context.Context, cfg *GlobalConfig) error {
	providers := cfg.AIProviders
	if len(providers) == 0 {
		providers = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE global_config SET ai_providers = ?, theme = ?, default_loop_max = ?, default_timeout = ? WHERE id = 1`,
		string(providers), nullStr(cfg.Theme), cfg.DefaultLoopMax, cfg.DefaultTimeout,
	)
	return err
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, input, final_output, variables_snapshot, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), nullStr(exec.Input), nullStr(exec.FinalOutput),
		nullRaw(exec.VariablesSnapshot), nullRaw(exec.Error),
		timeOrNow(exec.StartedAt), nullTime(exec.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FinalOutput != nil {
		sets = append(sets, "final_output = ?")
		args = append(args, *update.FinalOutput)
	}
	if update.VariablesSnapshot != nil {
		sets = append(sets, "variables_snapshot = ?")
		args = append(args, string(update.VariablesSnapshot))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec := &Execution{}
	var status string
	var input, finalOutput sql.NullString
	var varsJSON, errJSON sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, input, final_output, variables_snapshot, error, started_at, finished_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &exec.WorkflowID, &status, &input, &finalOutput, &varsJSON, &errJSON, &exec.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.Input = input.String
	exec.FinalOutput = finalOutput.String
	exec.VariablesSnapshot = rawOrNil(varsJSON)
	exec.Error = rawOrNil(errJSON)
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, status, input, final_output, variables_snapshot, error, started_at, finished_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec := &Execution{}
		var status string
		var input, finalOutput sql.NullString
		var varsJSON, errJSON sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &status, &input, &finalOutput, &varsJSON, &errJSON, &exec.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		exec.Status = schema.ExecutionStatus(status)
		exec.Input = input.String
		exec.FinalOutput = finalOutput.String
		exec.VariablesSnapshot = rawOrNil(varsJSON)
		exec.Error = rawOrNil(errJSON)
		if finishedAt.Valid {
			exec.FinishedAt = &finishedAt.Time
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// --- Node results ---

func (s *LibSQLStore) CreateNodeResult(ctx context.Context, result *NodeResult) error {
	iteration := result.Iteration
	if iteration == 0 {
		iteration = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_results (id, execution_id, node_id, iteration, input, output, resolved_config, status, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.ExecutionID, result.NodeID, iteration,
		nullStr(result.Input), nullStr(result.Output), nullRaw(result.ResolvedConfig),
		string(result.Status), nullStr(result.Error),
		timeOrNow(result.StartedAt), nullTime(result.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateNodeResult(ctx context.Context, id string, update NodeResultUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *update.Output)
	}
	if update.ResolvedConfig != nil {
		sets = append(sets, "resolved_config = ?")
		args = append(args, string(update.ResolvedConfig))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE node_results SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node_result", id)
}

func (s *LibSQLStore) GetNodeResult(ctx context.Context, id string) (*NodeResult, error) {
	r := &NodeResult{}
	var status string
	var input, output, errStr sql.NullString
	var resolvedCfg sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, node_id, iteration, input, output, resolved_config, status, error, started_at, finished_at
		 FROM node_results WHERE id = ?`, id,
	).Scan(&r.ID, &r.ExecutionID, &r.NodeID, &r.Iteration, &input, &output, &resolvedCfg, &status, &errStr, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_result", id)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.NodeStatus(status)
	r.Input = input.String
	r.Output = output.String
	r.ResolvedConfig = rawOrNil(resolvedCfg)
	r.Error = errStr.String
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, iteration, input, output, resolved_config, status, error, started_at, finished_at
		 FROM node_results WHERE execution_id = ? ORDER BY started_at ASC, id ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*NodeResult
	for rows.Next() {
		r := &NodeResult{}
		var status string
		var input, output, errStr sql.NullString
		var resolvedCfg sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.NodeID, &r.Iteration, &input, &output, &resolvedCfg, &status, &errStr, &r.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		r.Status = schema.NodeStatus(status)
		r.Input = input.String
		r.Output = output.String
		r.ResolvedConfig = rawOrNil(resolvedCfg)
		r.Error = errStr.String
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.CronExpression, nullStr(run.Input), boolToInt(run.Enabled),
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus),
		timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var input, status sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.CronExpression, &input, &enabled, &lastRun, &nextRun, &status, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Input = input.String
		run.Enabled = enabled != 0
		run.LastRunStatus = status.String
		if lastRun.Valid {
			run.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			run.NextRunAt = &nextRun.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
