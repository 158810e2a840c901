package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/formflow/formflow/internal/engine"
	"github.com/formflow/formflow/internal/store"
	"github.com/formflow/formflow/pkg/schema"
)

// Store is the slice of the persistence layer the scheduler needs.
// Satisfied by store.Store.
type Store interface {
	ListDueExecutions(ctx context.Context, now time.Time) ([]*store.Execution, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	ListNodesByType(ctx context.Context, workflowID string, nodeType schema.NodeType) ([]*store.Node, error)
}

// Runner is the engine surface the scheduler drives. Satisfied by
// *engine.Engine.
type Runner interface {
	Resume(ctx context.Context, executionID string, in engine.ResumeInput) (*store.Execution, error)
	ExecuteWorkflow(ctx context.Context, workflowID, startNodeID string, in engine.RunInput) (*store.Execution, error)
}

// Scheduler wakes waiting executions whose resume time has elapsed and
// starts workflows with cron-based triggers. Work is dispatched through a
// bounded worker pool.
type Scheduler struct {
	store  Store
	runner Runner
	pool   *engine.WorkerPool
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // execution IDs currently resuming (dedup)

	cronMu   sync.Mutex
	nextRuns map[string]time.Time // start node ID -> next fire time
}

func NewScheduler(s Store, runner Runner, pool *engine.WorkerPool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		pool:     pool,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		nextRuns: make(map[string]time.Time),
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

// tick wakes due executions and fires due cron triggers.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.resumeDue(ctx, now)
	s.fireCronTriggers(ctx, now)
}

// resumeDue finds waiting executions whose scheduled_resume_at has elapsed
// and resumes each one through the worker pool.
func (s *Scheduler) resumeDue(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueExecutions(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due executions", slog.String("error", err.Error()))
		return
	}

	for _, exec := range due {
		execID := exec.ID
		if !s.tryAcquire(execID) {
			continue // already resuming (dedup)
		}
		err := s.pool.Submit(ctx, func(jobCtx context.Context) error {
			defer s.release(execID)
			if _, err := s.runner.Resume(jobCtx, execID, engine.ResumeInput{}); err != nil {
				s.logger.Error("failed to resume execution",
					slog.String("execution_id", execID),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
		if err != nil {
			s.release(execID)
			s.logger.Error("failed to dispatch resume",
				slog.String("execution_id", execID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fireCronTriggers starts workflows whose start node carries a schedule
// trigger that is due. Fire times are tracked in memory per start node; a
// node seen for the first time is armed for its next occurrence rather
// than fired retroactively.
func (s *Scheduler) fireCronTriggers(ctx context.Context, now time.Time) {
	active := schema.WorkflowStateActive
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{State: &active})
	if err != nil {
		s.logger.Error("failed to list workflows", slog.String("error", err.Error()))
		return
	}

	seen := make(map[string]struct{})
	for _, wf := range workflows {
		starts, err := s.store.ListNodesByType(ctx, wf.ID, schema.NodeTypeStart)
		if err != nil {
			s.logger.Error("failed to list start nodes",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, node := range starts {
			var cfg schema.StartConfig
			if len(node.Config) > 0 {
				if err := json.Unmarshal(node.Config, &cfg); err != nil {
					continue
				}
			}
			if cfg.TriggerType != schema.TriggerTypeSchedule || cfg.CronExpression == "" {
				continue
			}
			seen[node.ID] = struct{}{}
			if s.dueAndAdvance(node.ID, cfg.CronExpression, now) {
				s.startScheduled(ctx, wf.ID, node.ID)
			}
		}
	}

	// Drop fire times for nodes that no longer exist or lost their trigger.
	s.cronMu.Lock()
	for id := range s.nextRuns {
		if _, ok := seen[id]; !ok {
			delete(s.nextRuns, id)
		}
	}
	s.cronMu.Unlock()
}

// dueAndAdvance reports whether the node's cron schedule is due and, when
// it is, advances the stored next fire time past now.
func (s *Scheduler) dueAndAdvance(nodeID, cronExpr string, now time.Time) bool {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		s.logger.Warn("invalid cron expression",
			slog.String("node_id", nodeID),
			slog.String("expression", cronExpr),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	next, ok := s.nextRuns[nodeID]
	if !ok {
		s.nextRuns[nodeID] = schedule.Next(now)
		return false
	}
	if next.After(now) {
		return false
	}
	s.nextRuns[nodeID] = schedule.Next(now)
	return true
}

func (s *Scheduler) startScheduled(ctx context.Context, workflowID, startNodeID string) {
	err := s.pool.Submit(ctx, func(jobCtx context.Context) error {
		exec, err := s.runner.ExecuteWorkflow(jobCtx, workflowID, startNodeID, engine.RunInput{})
		if err != nil {
			s.logger.Error("scheduled workflow start failed",
				slog.String("workflow_id", workflowID),
				slog.String("error", err.Error()),
			)
			return err
		}
		s.logger.Info("scheduled workflow started",
			slog.String("workflow_id", workflowID),
			slog.String("execution_id", exec.ID),
		)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to dispatch scheduled start",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
	}
}

// tryAcquire returns true and marks the execution as in-flight if it is
// not already being resumed.
func (s *Scheduler) tryAcquire(execID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[execID]; ok {
		return false
	}
	s.inflight[execID] = struct{}{}
	return true
}

func (s *Scheduler) release(execID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, execID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler loop. In-flight pool work is
// left to the pool's own shutdown.
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
