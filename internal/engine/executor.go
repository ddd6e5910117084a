package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/narratia/inkflow/internal/blocks"
	"github.com/narratia/inkflow/internal/logging"
	"github.com/narratia/inkflow/internal/nodes"
	"github.com/narratia/inkflow/internal/store"
	"github.com/narratia/inkflow/internal/streaming"
	"github.com/narratia/inkflow/internal/variables"
	"github.com/narratia/inkflow/pkg/schema"
)

// EngineStore is the slice of the persistence layer the engine depends on.
// Satisfied by store.Store.
type EngineStore interface {
	store.Recorder
	AppendEvent(ctx context.Context, event *store.Event) error
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListNodeResults(ctx context.Context, executionID string) ([]*store.NodeResult, error)
}

// DefaultPoolSize bounds item goroutines across all concurrent executions.
const DefaultPoolSize = 10

// Config holds engine tunables.
type Config struct {
	PoolSize int // max concurrent parallel/batch item goroutines
}

// ExecutionResult is the outcome of a finished run.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Output      string                 `json:"output,omitempty"`
	Error       *schema.FlowError      `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// ExecutionSnapshot is the queryable state of an execution, live or finished.
type ExecutionSnapshot struct {
	Execution   *store.Execution    `json:"execution"`
	NodeResults []*store.NodeResult `json:"node_results,omitempty"`
}

// Engine interprets the flat node list of a workflow: it walks nodes in
// order, reconstructs block structure, dispatches handler nodes through the
// registry, and records the full execution trace.
type Engine struct {
	st        EngineStore
	registry  *nodes.Registry
	evaluator *nodes.Evaluator
	emit      *emitter
	execFSM   *ExecutionFSM
	nodeFSM   *NodeFSM
	pool      *WorkerPool
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*run
}

// run tracks one in-flight execution.
type run struct {
	executionID string
	cancel      context.CancelFunc
	cancelled   atomic.Bool
	pauseReq    atomic.Bool

	mu           sync.Mutex
	status       schema.ExecutionStatus
	resumeCh     chan struct{}     // non-nil while paused
	edits        map[string]string // node ID -> edited output, applied on resume
	latestResult map[string]string // node ID -> most recent node result ID
}

// NewEngine creates an Engine. hub may be nil when no live subscribers exist.
func NewEngine(st EngineStore, hub streaming.EventHub, registry *nodes.Registry, evaluator *nodes.Evaluator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	em := newEmitter(st, hub)
	return &Engine{
		st:        st,
		registry:  registry,
		evaluator: evaluator,
		emit:      em,
		execFSM:   NewExecutionFSM(em),
		nodeFSM:   NewNodeFSM(em),
		pool:      NewWorkerPool(cfg.PoolSize),
		logger:    logger,
		running:   make(map[string]*run),
	}
}

// Shutdown stops the item pool after in-flight work drains.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// runContext carries per-execution state shared across spans.
type runContext struct {
	run   *run
	wf    *schema.Workflow
	nodes []schema.Node
	table *blocks.Table
	index map[string]int // node ID -> index

	mu         sync.Mutex
	loopCounts map[string]int // legacy loop node ID -> jumps taken
}

// scope is the data environment of one span: the variable store plus the
// ai_chat conversation history visible to nodes in that span.
type scope struct {
	vars    *variables.Store
	history []nodes.Turn
}

func (sc *scope) fork() *scope {
	hist := make([]nodes.Turn, len(sc.history))
	copy(hist, sc.history)
	return &scope{vars: sc.vars.Clone(), history: hist}
}

// Run executes a workflow to a terminal status. It blocks until the run
// finishes; callers wanting fire-and-forget wrap it in a goroutine and
// observe progress through the event hub. The returned error covers only
// failures to start; execution-level failures land in the result.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, input string) (*ExecutionResult, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	table, err := blocks.Resolve(wf.Nodes)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusRunning,
		Input:      input,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.st.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	ctx = logging.WithWorkflowID(logging.WithExecutionID(ctx, exec.ID), wf.ID)
	if err := e.execFSM.Transition(ctx, exec.ID, ExecutionStatusNew, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "execution started", "nodes", len(wf.Nodes))

	timeout := wf.TimeoutSeconds
	if timeout <= 0 {
		timeout = schema.DefaultTimeoutSeconds
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	r := &run{
		executionID:  exec.ID,
		cancel:       cancel,
		status:       schema.ExecutionStatusRunning,
		edits:        make(map[string]string),
		latestResult: make(map[string]string),
	}
	e.mu.Lock()
	e.running[exec.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	index := make(map[string]int, len(wf.Nodes))
	for i := range wf.Nodes {
		index[wf.Nodes[i].ID] = i
	}
	rc := &runContext{
		run:        r,
		wf:         wf,
		nodes:      wf.Nodes,
		table:      table,
		index:      index,
		loopCounts: make(map[string]int),
	}
	sc := &scope{vars: variables.New()}

	output, _, runErr := e.runSpan(execCtx, rc, 0, len(wf.Nodes), sc, input, 1)
	return e.finish(ctx, rc, sc, output, runErr, exec.StartedAt)
}

// finish classifies the outcome, persists the terminal state, and emits the
// terminal event. Uses the parent ctx: the execution ctx may be dead.
func (e *Engine) finish(ctx context.Context, rc *runContext, sc *scope, output string, runErr error, startedAt time.Time) (*ExecutionResult, error) {
	r := rc.run

	status := schema.ExecutionStatusCompleted
	var flowErr *schema.FlowError
	if runErr != nil {
		flowErr = asFlowError(runErr)
		switch {
		case r.cancelled.Load() || flowErr.Code == schema.ErrCodeCancelled:
			status = schema.ExecutionStatusCancelled
		case flowErr.Code == schema.ErrCodeTimeout || errors.Is(runErr, context.DeadlineExceeded):
			// A deadline error surfacing through a node failure still
			// means the run's time budget expired.
			status = schema.ExecutionStatusTimeout
		default:
			status = schema.ExecutionStatusFailed
		}
	}

	r.mu.Lock()
	from := r.status
	r.status = status
	r.mu.Unlock()

	if err := e.execFSM.Transition(ctx, r.executionID, from, status); err != nil {
		e.logger.WarnContext(ctx, "terminal transition failed", "error", err)
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{Status: &status, FinishedAt: &now}
	if status == schema.ExecutionStatusCompleted {
		update.FinalOutput = &output
	}
	if snapshot, err := sc.vars.Snapshot(); err == nil {
		update.VariablesSnapshot = snapshot
	}
	if flowErr != nil {
		if raw, err := json.Marshal(flowErr); err == nil {
			update.Error = raw
		}
	}
	if err := e.st.UpdateExecution(ctx, r.executionID, update); err != nil {
		return nil, err
	}

	if flowErr != nil {
		e.logger.WarnContext(ctx, "execution finished", "status", status, "error", flowErr)
	} else {
		e.logger.InfoContext(ctx, "execution finished", "status", status)
	}

	return &ExecutionResult{
		ExecutionID: r.executionID,
		Status:      status,
		Output:      output,
		Error:       flowErr,
		StartedAt:   startedAt,
		FinishedAt:  &now,
	}, nil
}

// runSpan interprets nodes[lo:hi) against the given scope. current is the
// data value flowing between nodes; iteration labels node results recorded
// in this span when no loop frame overrides it. The ended flag reports that
// a node requested a clean early end of the span.
func (e *Engine) runSpan(ctx context.Context, rc *runContext, lo, hi int, sc *scope, current string, iteration int) (string, bool, error) {
	type loopFrame struct {
		p         *blocks.Pairing
		iteration int
		max       int
		mode      string
		condition string
	}
	var frames []*loopFrame
	condTaken := make(map[string]bool)
	lastNodeID := ""

	spanIter := func() int {
		if len(frames) > 0 {
			return frames[len(frames)-1].iteration
		}
		return iteration
	}

	i := lo
	for i < hi {
		if err := e.boundary(ctx, rc, sc); err != nil {
			return current, false, err
		}
		e.applyEdits(rc, sc, &current, lastNodeID)

		n := &rc.nodes[i]
		switch n.Type {
		case schema.NodeTypeLoopStart:
			p, _ := rc.table.ByStart(i)
			if len(frames) > 0 && frames[len(frames)-1].p.BlockID == p.BlockID {
				// Jumped back from loop_end: next iteration of the open frame.
				fr := frames[len(frames)-1]
				if err := e.emit.Emit(ctx, rc.run.executionID, n.ID, schema.EventLoopIterationStarted,
					map[string]any{"block_id": p.BlockID, "iteration": fr.iteration, "max": fr.max}); err != nil {
					return current, false, err
				}
				i++
				continue
			}
			var cfg schema.LoopBlockConfig
			if err := decodeNodeConfig(n, &cfg); err != nil {
				return current, false, err
			}
			fr := &loopFrame{
				p:         p,
				iteration: 1,
				max:       schema.ClampLoopMax(cfg.MaxIterations, rc.wf.LoopMaxCount),
				mode:      cfg.Mode,
				condition: cfg.Condition,
			}
			if fr.mode == "" {
				fr.mode = "count"
			}
			frames = append(frames, fr)
			if err := e.emit.Emit(ctx, rc.run.executionID, n.ID, schema.EventLoopIterationStarted,
				map[string]any{"block_id": p.BlockID, "iteration": 1, "max": fr.max}); err != nil {
				return current, false, err
			}
			i++

		case schema.NodeTypeLoopEnd:
			if len(frames) == 0 || frames[len(frames)-1].p.BlockID != n.BlockID {
				return current, false, schema.NewErrorf(schema.ErrCodeStructure,
					"loop_end %q without open loop frame", n.BlockID).WithNode(n.ID)
			}
			fr := frames[len(frames)-1]
			if err := e.emit.Emit(ctx, rc.run.executionID, n.ID, schema.EventLoopIterationCompleted,
				map[string]any{"block_id": fr.p.BlockID, "iteration": fr.iteration}); err != nil {
				return current, false, err
			}

			// Condition mode is do-while: the body repeats while the
			// expression holds, and exits the pass it goes false.
			exit := false
			if fr.mode == "condition" {
				again, err := e.evaluator.Evaluate(ctx,
					schema.ConditionSpec{Mode: "expression", Expression: fr.condition}, current, sc.vars)
				if err != nil {
					return current, false, err
				}
				if !again {
					exit = true
				} else if fr.iteration >= fr.max {
					return current, false, schema.NewErrorf(schema.ErrCodeLoopMaxExceeded,
						"loop %q condition still true after %d iterations", fr.p.BlockID, fr.max).
						WithNode(rc.nodes[fr.p.StartIndex].ID)
				}
			} else if fr.iteration >= fr.max {
				exit = true
			}

			if exit {
				frames = frames[:len(frames)-1]
				i++
			} else {
				fr.iteration++
				i = fr.p.StartIndex
			}

		case schema.NodeTypeConditionIf:
			p, _ := rc.table.ByStart(i)
			var cfg schema.ConditionBlockConfig
			if err := decodeNodeConfig(n, &cfg); err != nil {
				return current, false, err
			}
			result, err := e.evaluator.Evaluate(ctx, cfg.ConditionSpec, current, sc.vars)
			if err != nil {
				if fe, ok := err.(*schema.FlowError); ok && fe.NodeID == "" {
					fe.NodeID = n.ID
				}
				return current, false, err
			}
			if err := e.emit.Emit(ctx, rc.run.executionID, n.ID, schema.EventConditionEvaluated,
				map[string]any{"block_id": p.BlockID, "result": result}); err != nil {
				return current, false, err
			}
			condTaken[p.BlockID] = result
			if result {
				i++
			} else {
				// Skip the then-branch, resume at else body or after end.
				branchEnd := p.EndIndex
				if p.ElseIndex != -1 {
					branchEnd = p.ElseIndex
				}
				if err := e.skipRange(ctx, rc, i+1, branchEnd, spanIter()); err != nil {
					return current, false, err
				}
				if p.ElseIndex == -1 {
					i = p.EndIndex // lands on condition_end
				} else {
					i = p.ElseIndex + 1
				}
			}

		case schema.NodeTypeConditionElse:
			p, _ := rc.table.ByID(n.BlockID)
			if condTaken[n.BlockID] {
				// Then-branch ran to here; the else body is the untaken branch.
				if err := e.skipRange(ctx, rc, i+1, p.EndIndex, spanIter()); err != nil {
					return current, false, err
				}
				i = p.EndIndex
			} else {
				i++
			}

		case schema.NodeTypeConditionEnd:
			delete(condTaken, n.BlockID)
			i++

		case schema.NodeTypeParallelStart:
			p, _ := rc.table.ByStart(i)
			out, err := e.runParallel(ctx, rc, p, sc, current)
			if err != nil {
				return current, false, err
			}
			current = out
			lastNodeID = n.ID
			i = p.EndIndex + 1

		case schema.NodeTypeParallelEnd:
			// Reached only via a direct jump; the block start consumed it.
			i++

		case schema.NodeTypeBatch:
			out, err := e.runBatch(ctx, rc, n, sc, current, spanIter())
			if err != nil {
				return current, false, err
			}
			current = out
			lastNodeID = n.ID
			i++

		default:
			out, res, err := e.runNode(ctx, rc, n, sc, current, spanIter())
			if err != nil {
				return current, false, err
			}
			current = out
			lastNodeID = n.ID

			switch res.Signal {
			case nodes.SignalContinue:
				i++
			case nodes.SignalEnd:
				return current, true, nil
			case nodes.SignalJump:
				j, ok := rc.index[res.Target]
				if !ok || j < lo || j >= hi {
					return current, false, schema.NewErrorf(schema.ErrCodeValidation,
						"jump target %q is not reachable from node %q", res.Target, n.ID).WithNode(n.ID)
				}
				if n.Type == schema.NodeTypeLoop {
					rc.mu.Lock()
					rc.loopCounts[n.ID]++
					rc.mu.Unlock()
				}
				i = j
			}
		}
	}
	return current, false, nil
}

// runNode executes one handler node with full trace recording.
func (e *Engine) runNode(ctx context.Context, rc *runContext, n *schema.Node, sc *scope, current string, iteration int) (string, *nodes.Result, error) {
	execID := rc.run.executionID
	ctx = logging.WithNodeID(ctx, n.ID)

	handler, err := e.registry.Get(n.Type)
	if err != nil {
		return "", nil, err
	}

	resolved := *n
	resolved.Config = resolveConfig(n.Config, sc.vars)

	nr := &store.NodeResult{
		ID:             uuid.NewString(),
		ExecutionID:    execID,
		NodeID:         n.ID,
		Iteration:      iteration,
		Input:          current,
		ResolvedConfig: resolved.Config,
		Status:         schema.NodeStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
	if err := e.st.CreateNodeResult(ctx, nr); err != nil {
		return "", nil, err
	}
	rc.run.mu.Lock()
	rc.run.latestResult[n.ID] = nr.ID
	rc.run.mu.Unlock()
	if err := e.nodeFSM.Transition(ctx, execID, n.ID, schema.NodeStatusPending, schema.NodeStatusRunning); err != nil {
		return "", nil, err
	}

	rc.mu.Lock()
	loopCount := rc.loopCounts[n.ID]
	rc.mu.Unlock()

	ec := &nodes.ExecContext{
		Node:        &resolved,
		Vars:        sc.vars,
		Input:       current,
		ExecutionID: execID,
		ProjectID:   rc.wf.ProjectID,
		Iteration:   iteration,
		LoopCount:   loopCount,
		LoopCeiling: rc.wf.LoopMaxCount,
		History:     sc.history,
		OnDelta: func(delta string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.emit.Stream(ctx, execID, n.ID, schema.EventNodeStreaming, map[string]any{"delta": delta})
			return nil
		},
	}

	res, execErr := handler.Execute(ctx, ec)
	now := time.Now().UTC()
	if execErr != nil {
		fe := asFlowError(execErr)
		if fe.NodeID == "" {
			fe.NodeID = n.ID
		}
		failed := schema.NodeStatusFailed
		msg := fe.Error()
		if err := e.nodeFSM.Transition(ctx, execID, n.ID, schema.NodeStatusRunning, failed); err != nil {
			e.logger.WarnContext(ctx, "node failure transition failed", "error", err)
		}
		if err := e.st.UpdateNodeResult(ctx, nr.ID, store.NodeResultUpdate{
			Status: &failed, Error: &msg, FinishedAt: &now,
		}); err != nil {
			e.logger.WarnContext(ctx, "record node failure failed", "error", err)
		}
		return "", nil, fe
	}

	completed := schema.NodeStatusCompleted
	if err := e.nodeFSM.Transition(ctx, execID, n.ID, schema.NodeStatusRunning, completed); err != nil {
		return "", nil, err
	}
	if err := e.st.UpdateNodeResult(ctx, nr.ID, store.NodeResultUpdate{
		Status: &completed, Output: &res.Output, FinishedAt: &now,
	}); err != nil {
		return "", nil, err
	}

	sc.vars.SetNodeOutput(n.ID, res.Output)
	if n.Type == schema.NodeTypeAIChat {
		sc.history = append(sc.history, nodes.Turn{Prompt: current, Response: res.Output})
	}
	return res.Output, res, nil
}

// runParallel fans the body of a parallel block out over split items. Every
// item runs to its own end regardless of sibling failures; outcomes are
// reconciled only at the join barrier.
func (e *Engine) runParallel(ctx context.Context, rc *runContext, p *blocks.Pairing, sc *scope, current string) (string, error) {
	startNode := &rc.nodes[p.StartIndex]
	var cfg schema.ParallelBlockConfig
	if err := decodeNodeConfig(startNode, &cfg); err != nil {
		return "", err
	}

	items, err := nodes.Split(cfg.SplitSpec, current)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok && fe.NodeID == "" {
			fe.NodeID = startNode.ID
		}
		return "", err
	}

	concurrency := schema.ClampConcurrency(cfg.Concurrency)
	sem := make(chan struct{}, concurrency)

	execID := rc.run.executionID
	results := make([]string, len(items))
	itemErrs := make([]error, len(items))
	scopes := make([]*scope, len(items))

	var wg sync.WaitGroup
	for idx, item := range items {
		idx, item := idx, item
		itemScope := sc.fork()
		scopes[idx] = itemScope

		if err := e.emit.Emit(ctx, execID, startNode.ID, schema.EventParallelItemStarted,
			map[string]any{"block_id": p.BlockID, "item": idx}); err != nil {
			return "", err
		}

		wg.Add(1)
		itemFn := func(ctx context.Context) error {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := e.runSpan(ctx, rc, p.StartIndex+1, p.EndIndex, itemScope, item, idx+1)
			results[idx] = out
			itemErrs[idx] = err
			if err != nil {
				_ = e.emit.Emit(ctx, execID, startNode.ID, schema.EventParallelItemFailed,
					map[string]any{"block_id": p.BlockID, "item": idx, "error": err.Error()})
			} else {
				_ = e.emit.Emit(ctx, execID, startNode.ID, schema.EventParallelItemCompleted,
					map[string]any{"block_id": p.BlockID, "item": idx})
			}
			return err
		}
		pooled, submitErr := e.pool.TrySubmit(ctx, itemFn)
		if submitErr != nil {
			wg.Done()
			itemErrs[idx] = submitErr
			continue
		}
		if !pooled {
			// Pool saturated. A nested block's ancestors may hold every
			// slot, so waiting would deadlock; run the item here instead.
			_ = itemFn(ctx)
		}
	}
	wg.Wait()

	// Merge sub-scopes in item order so conflicts resolve deterministically.
	for idx := range scopes {
		if itemErrs[idx] == nil {
			sc.vars.Merge(scopes[idx].vars)
		}
	}

	var failedItems []int
	var firstErr error
	for idx, err := range itemErrs {
		if err != nil {
			failedItems = append(failedItems, idx)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return "", schema.NewErrorf(schema.ErrCodeNodeFailed,
			"%d of %d parallel items failed", len(failedItems), len(items)).
			WithNode(startNode.ID).
			WithDetails(map[string]any{"block_id": p.BlockID, "failed_items": failedItems}).
			WithCause(firstErr)
	}

	out, err := nodes.Join(cfg.JoinSpec, results)
	if err != nil {
		return "", err
	}
	sc.vars.SetNodeOutput(startNode.ID, out)
	sc.vars.SetNodeOutput(rc.nodes[p.EndIndex].ID, out)
	return out, nil
}

// runBatch executes a legacy batch node: split the input, run the target
// node chain once per item, join in item order.
func (e *Engine) runBatch(ctx context.Context, rc *runContext, n *schema.Node, sc *scope, current string, iteration int) (string, error) {
	var cfg schema.BatchConfig
	if err := decodeNodeConfig(n, &cfg); err != nil {
		return "", err
	}
	if len(cfg.Targets) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "batch requires targets").WithNode(n.ID)
	}
	targets := make([]*schema.Node, len(cfg.Targets))
	for i, id := range cfg.Targets {
		j, ok := rc.index[id]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "batch target %q not found", id).WithNode(n.ID)
		}
		targets[i] = &rc.nodes[j]
	}

	items, err := nodes.Split(cfg.SplitSpec, current)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok && fe.NodeID == "" {
			fe.NodeID = n.ID
		}
		return "", err
	}

	concurrency := schema.ClampConcurrency(cfg.Concurrency)
	sem := make(chan struct{}, concurrency)

	results := make([]string, len(items))
	itemErrs := make([]error, len(items))
	scopes := make([]*scope, len(items))

	var wg sync.WaitGroup
	for idx, item := range items {
		idx, item := idx, item
		itemScope := sc.fork()
		scopes[idx] = itemScope

		wg.Add(1)
		itemFn := func(ctx context.Context) error {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			value := item
			for _, target := range targets {
				out, res, err := e.runNode(ctx, rc, target, itemScope, value, idx+1)
				if err != nil {
					itemErrs[idx] = err
					return err
				}
				if res.Signal != nodes.SignalContinue {
					err := schema.NewErrorf(schema.ErrCodeValidation,
						"batch target %q cannot redirect control flow", target.ID).WithNode(n.ID)
					itemErrs[idx] = err
					return err
				}
				value = out
			}
			results[idx] = value
			return nil
		}
		pooled, submitErr := e.pool.TrySubmit(ctx, itemFn)
		if submitErr != nil {
			wg.Done()
			itemErrs[idx] = submitErr
			continue
		}
		if !pooled {
			_ = itemFn(ctx)
		}
	}
	wg.Wait()

	for idx := range scopes {
		if itemErrs[idx] == nil {
			sc.vars.Merge(scopes[idx].vars)
		}
	}

	var firstErr error
	failed := 0
	for _, err := range itemErrs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return "", schema.NewErrorf(schema.ErrCodeNodeFailed,
			"%d of %d batch items failed", failed, len(items)).
			WithNode(n.ID).WithCause(firstErr)
	}

	out, err := nodes.Join(cfg.JoinSpec, results)
	if err != nil {
		return "", err
	}
	sc.vars.SetNodeOutput(n.ID, out)
	return out, nil
}

// skipRange records every node in [lo, hi) as skipped. Nested block markers
// inside the range are recorded too; the trace shows the whole untaken
// branch.
func (e *Engine) skipRange(ctx context.Context, rc *runContext, lo, hi int, iteration int) error {
	execID := rc.run.executionID
	now := time.Now().UTC()
	for i := lo; i < hi; i++ {
		n := &rc.nodes[i]
		nr := &store.NodeResult{
			ID:          uuid.NewString(),
			ExecutionID: execID,
			NodeID:      n.ID,
			Iteration:   iteration,
			Status:      schema.NodeStatusSkipped,
			StartedAt:   now,
			FinishedAt:  &now,
		}
		if err := e.st.CreateNodeResult(ctx, nr); err != nil {
			return err
		}
		if err := e.nodeFSM.Transition(ctx, execID, n.ID, schema.NodeStatusPending, schema.NodeStatusSkipped); err != nil {
			return err
		}
	}
	return nil
}

// --- Pause / resume / cancel / edit ---

// Pause requests a pause at the next node boundary. Returns immediately;
// the execution transitions once the boundary is reached.
func (e *Engine) Pause(executionID string) error {
	r, err := e.findRun(executionID)
	if err != nil {
		return err
	}
	r.pauseReq.Store(true)
	return nil
}

// Resume wakes a paused execution.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	r, err := e.findRun(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resumeCh == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not paused", executionID)
	}
	if err := e.execFSM.Transition(ctx, executionID, schema.ExecutionStatusPaused, schema.ExecutionStatusRunning); err != nil {
		return err
	}
	running := schema.ExecutionStatusRunning
	if err := e.st.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &running}); err != nil {
		return err
	}
	r.status = running
	r.pauseReq.Store(false)
	close(r.resumeCh)
	r.resumeCh = nil
	return nil
}

// Cancel terminates a running or paused execution. Takes effect at the next
// node boundary or mid-stream on the next AI chunk.
func (e *Engine) Cancel(executionID string) error {
	r, err := e.findRun(executionID)
	if err != nil {
		return err
	}
	r.cancelled.Store(true)
	r.cancel()
	return nil
}

// EditNodeOutput rewrites the recorded output of a node while the execution
// is paused. The new value re-enters the data flow on resume: node output
// references resolve to it, and when the edited node is the pause point its
// output becomes the carried value.
func (e *Engine) EditNodeOutput(ctx context.Context, executionID, nodeID, output string) error {
	r, err := e.findRun(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resumeCh == nil {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is not paused; outputs can only be edited during a pause", executionID)
	}
	resultID, ok := r.latestResult[nodeID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s has no recorded result", nodeID).WithNode(nodeID)
	}
	if err := e.st.UpdateNodeResult(ctx, resultID, store.NodeResultUpdate{Output: &output}); err != nil {
		return err
	}
	if err := e.emit.Emit(ctx, executionID, nodeID, schema.EventOutputEdited,
		map[string]any{"node_result_id": resultID}); err != nil {
		return err
	}
	r.edits[nodeID] = output
	return nil
}

// Status returns the persisted state of an execution with its node results.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	exec, err := e.st.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nrs, err := e.st.ListNodeResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionSnapshot{Execution: exec, NodeResults: nrs}, nil
}

func (e *Engine) findRun(executionID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.running[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", executionID)
	}
	return r, nil
}

// boundary enforces the cancel/timeout/pause checks between nodes.
func (e *Engine) boundary(ctx context.Context, rc *runContext, sc *scope) error {
	if err := ctx.Err(); err != nil {
		return rc.interruptErr(ctx)
	}
	if !rc.run.pauseReq.Load() {
		return nil
	}
	return e.enterPause(ctx, rc, sc)
}

// enterPause parks the caller until Resume or a terminal interrupt. With
// parallel items in flight, the first goroutine to reach a boundary performs
// the transition; the rest just wait on the same channel.
func (e *Engine) enterPause(ctx context.Context, rc *runContext, sc *scope) error {
	r := rc.run

	r.mu.Lock()
	if r.resumeCh == nil {
		if err := e.execFSM.Transition(ctx, r.executionID, r.status, schema.ExecutionStatusPaused); err != nil {
			r.mu.Unlock()
			return err
		}
		paused := schema.ExecutionStatusPaused
		update := store.ExecutionUpdate{Status: &paused}
		if snapshot, err := sc.vars.Snapshot(); err == nil {
			update.VariablesSnapshot = snapshot
		}
		if err := e.st.UpdateExecution(ctx, r.executionID, update); err != nil {
			r.mu.Unlock()
			return err
		}
		r.status = paused
		r.resumeCh = make(chan struct{})
		e.logger.InfoContext(ctx, "execution paused")
	}
	ch := r.resumeCh
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return rc.interruptErr(ctx)
	}
}

// applyEdits folds outputs edited during a pause back into the span.
func (e *Engine) applyEdits(rc *runContext, sc *scope, current *string, lastNodeID string) {
	r := rc.run
	r.mu.Lock()
	if len(r.edits) == 0 {
		r.mu.Unlock()
		return
	}
	edits := r.edits
	r.edits = make(map[string]string)
	r.mu.Unlock()

	for nodeID, output := range edits {
		sc.vars.SetNodeOutput(nodeID, output)
		if nodeID == lastNodeID {
			*current = output
		}
	}
}

func (rc *runContext) interruptErr(ctx context.Context) error {
	if rc.run.cancelled.Load() {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "execution exceeded its time budget")
	}
	return schema.NewError(schema.ErrCodeCancelled, "execution context cancelled")
}

func decodeNodeConfig(n *schema.Node, v any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid %s config: %s", n.Type, err.Error()).WithNode(n.ID).WithCause(err)
	}
	return nil
}

// resolveConfig substitutes variable references in every string value of a
// node config, leaving the JSON structure intact. Malformed configs pass
// through untouched so the handler reports the decode error itself.
func resolveConfig(raw json.RawMessage, vars *variables.Store) json.RawMessage {
	if len(raw) == 0 || !strings.Contains(string(raw), "{{") {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(resolveJSONValue(v, vars))
	if err != nil {
		return raw
	}
	return out
}

func resolveJSONValue(v any, vars *variables.Store) any {
	switch t := v.(type) {
	case string:
		return vars.Resolve(t)
	case map[string]any:
		for k, e := range t {
			t[k] = resolveJSONValue(e, vars)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = resolveJSONValue(e, vars)
		}
		return t
	default:
		return v
	}
}

func asFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "execution exceeded its time budget").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).WithCause(err)
}
