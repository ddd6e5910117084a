package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/narratia/inkflow/internal/store"
	"github.com/narratia/inkflow/pkg/schema"
)

// Runner is the interface the scheduler uses to execute workflows.
// Satisfied by a thin wrapper around the engine; the scheduler only needs
// success or failure.
type Runner interface {
	RunWorkflow(ctx context.Context, wf *schema.Workflow, input string) error
}

// Store is the slice of persistence the scheduler depends on.
type Store interface {
	ListScheduledRuns(ctx context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update store.ScheduledRunUpdate) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	ListNodes(ctx context.Context, workflowID string) ([]*store.Node, error)
}

// Scheduler polls the store for due scheduled runs and executes them.
type Scheduler struct {
	store  Store
	runner Runner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
}

// New creates a Scheduler over standard five-field cron expressions.
func New(st Store, runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled scheduled runs and executes those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.After(now) {
			if !s.tryAcquire(run.ID) {
				continue // already running (dedup)
			}
			if err := s.execute(ctx, run, now); err != nil {
				s.logger.Error("failed to run scheduled workflow",
					slog.String("schedule_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(run.ID)
		}
	}
}

// execute loads the workflow, runs it, and updates the schedule timestamps.
func (s *Scheduler) execute(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("running scheduled workflow",
		slog.String("schedule_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
	)

	wf, err := s.loadWorkflow(ctx, run.WorkflowID)
	if err != nil {
		s.logger.Error("failed to load scheduled workflow",
			slog.String("schedule_id", run.ID),
			slog.String("error", err.Error()),
		)
		return s.updateStatus(ctx, run, now, "error")
	}

	err = s.runner.RunWorkflow(ctx, wf, run.Input)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled workflow failed",
			slog.String("schedule_id", run.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateStatus(ctx, run, now, status)
}

// loadWorkflow assembles an executable workflow from its persisted rows.
func (s *Scheduler) loadWorkflow(ctx context.Context, workflowID string) (*schema.Workflow, error) {
	row, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListNodes(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	nodes := make([]schema.Node, len(rows))
	for i, r := range rows {
		nodes[i] = schema.Node{
			ID:            r.ID,
			Type:          r.Type,
			Name:          r.Name,
			Config:        r.Config,
			OrderIndex:    r.OrderIndex,
			BlockID:       r.BlockID,
			ParentBlockID: r.ParentBlockID,
		}
	}

	return &schema.Workflow{
		ID:             row.ID,
		ProjectID:      row.ProjectID,
		Name:           row.Name,
		Nodes:          nodes,
		LoopMaxCount:   row.LoopMaxCount,
		TimeoutSeconds: row.TimeoutSeconds,
	}, nil
}

func (s *Scheduler) updateStatus(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.NextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", run.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the run as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

// release removes the run from the in-flight set.
func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed finds enabled schedules whose next_run_at slipped into the
// past while the process was down and runs each once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.Before(now) {
			if !s.tryAcquire(run.ID) {
				continue
			}
			if err := s.execute(ctx, run, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", run.ID),
					slog.String("error", err.Error()),
				)
				s.release(run.ID)
				continue
			}
			s.release(run.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
