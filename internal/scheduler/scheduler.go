// Package scheduler fires scheduled workflows on their cron expressions.
// Schedule ownership is coordinated through the KV store so a workflow's
// timer runs on exactly one instance.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowdhq/flowd/internal/coord"
	"github.com/flowdhq/flowd/internal/logging"
	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/pkg/schema"
)

// Runner is what the scheduler needs from the engine to fire a workflow.
type Runner interface {
	Execute(ctx context.Context, tenantID, workflowID string, input map[string]any, triggeredBy, triggerSource string) (string, error)
}

// lockPrefix namespaces schedule ownership keys in the coordination store.
const lockPrefix = "sched."

type entry struct {
	id       cron.EntryID
	tenantID string
	cronExpr string
}

// Scheduler owns the cron timer registry. Standard five-field expressions
// only; seconds-resolution schedules are not supported.
type Scheduler struct {
	cron       *cron.Cron
	parser     cron.Parser
	runner     Runner
	kv         coord.KV
	logger     *slog.Logger
	instanceID string

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]bool
}

// New creates a scheduler. Call Start to begin firing.
func New(runner Runner, kv coord.KV, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		parser:     parser,
		runner:     runner,
		kv:         kv,
		logger:     logger,
		instanceID: uuid.NewString(),
		entries:    make(map[string]entry),
		inflight:   make(map[string]bool),
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop, waits for running jobs to return and releases
// all schedule locks held by this instance.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for workflowID := range s.entries {
		ids = append(ids, workflowID)
	}
	s.entries = make(map[string]entry)
	s.mu.Unlock()

	for _, workflowID := range ids {
		if err := s.kv.Release(context.Background(), lockPrefix+workflowID, s.instanceID); err != nil {
			s.logger.Warn("release schedule lock", "workflow_id", workflowID, "error", err.Error())
		}
	}
}

// parse turns a cron expression into a schedule or a SCHEDULE_INVALID error.
func (s *Scheduler) parse(cronExpr string) (cron.Schedule, error) {
	if cronExpr == "" {
		return nil, schema.NewError(schema.ErrCodeScheduleInvalid, "empty cron expression")
	}
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeScheduleInvalid,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched, nil
}

// Validate checks a cron expression without registering anything.
func (s *Scheduler) Validate(cronExpr string) error {
	_, err := s.parse(cronExpr)
	return err
}

// Schedule registers a workflow's cron timer on this instance, replacing
// any previous registration. The schedule lock must be free or already
// held by this instance. The expression is parsed before the lock is
// touched so a rejected Schedule leaves no entry and no held lock behind.
func (s *Scheduler) Schedule(workflowID, tenantID, cronExpr string) error {
	sched, err := s.parse(cronExpr)
	if err != nil {
		return err
	}

	ok, err := s.kv.Acquire(context.Background(), lockPrefix+workflowID, s.instanceID)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "acquire schedule lock").WithCause(err)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"schedule for workflow %s is held by another instance", workflowID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, exists := s.entries[workflowID]; exists {
		s.cron.Remove(prev.id)
	}

	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(workflowID, tenantID)
	}))

	s.entries[workflowID] = entry{id: id, tenantID: tenantID, cronExpr: cronExpr}
	s.logger.Info("workflow scheduled", "workflow_id", workflowID, "cron", cronExpr)
	return nil
}

// Unschedule removes a workflow's timer and releases its lock. No-op when
// the workflow has no registration here.
func (s *Scheduler) Unschedule(workflowID string) error {
	s.mu.Lock()
	prev, exists := s.entries[workflowID]
	if exists {
		s.cron.Remove(prev.id)
		delete(s.entries, workflowID)
	}
	s.mu.Unlock()

	if !exists {
		return nil
	}

	if err := s.kv.Release(context.Background(), lockPrefix+workflowID, s.instanceID); err != nil {
		return schema.NewError(schema.ErrCodeStore, "release schedule lock").WithCause(err)
	}
	s.logger.Info("workflow unscheduled", "workflow_id", workflowID)
	return nil
}

// Scheduled reports whether a workflow has a timer on this instance.
func (s *Scheduler) Scheduled(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[workflowID]
	return ok
}

// fire starts one execution of a scheduled workflow. A tick that lands
// while the previous fire is still starting is dropped.
func (s *Scheduler) fire(workflowID, tenantID string) {
	s.mu.Lock()
	if s.inflight[workflowID] {
		s.mu.Unlock()
		s.logger.Warn("schedule tick skipped, previous fire still in flight", "workflow_id", workflowID)
		return
	}
	s.inflight[workflowID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, workflowID)
		s.mu.Unlock()
	}()

	ctx := logging.WithWorkflowID(logging.WithTenantID(context.Background(), tenantID), workflowID)
	execID, err := s.runner.Execute(ctx, tenantID, workflowID, nil, "system", "scheduler")
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled execution failed to start", "error", err.Error())
		return
	}
	s.logger.InfoContext(ctx, "scheduled execution started", "execution_id", execID)
}

// RecoverActive re-registers timers for active scheduled workflows after a
// restart. Workflows whose lock is held elsewhere are skipped, not failed.
func (s *Scheduler) RecoverActive(ctx context.Context, st store.Store) error {
	active := schema.WorkflowStatusActive
	scheduled := schema.TriggerScheduled
	workflows, err := st.ListWorkflows(ctx, store.WorkflowFilter{
		Status:      &active,
		TriggerType: &scheduled,
	})
	if err != nil {
		return err
	}

	for _, wf := range workflows {
		var trigger schema.TriggerConfig
		if len(wf.TriggerConfig) > 0 {
			if err := json.Unmarshal(wf.TriggerConfig, &trigger); err != nil {
				s.logger.Warn("skip workflow with bad trigger config", "workflow_id", wf.ID, "error", err.Error())
				continue
			}
		}
		if trigger.Cron == "" {
			s.logger.Warn("skip scheduled workflow without cron expression", "workflow_id", wf.ID)
			continue
		}
		if err := s.Schedule(wf.ID, wf.TenantID, trigger.Cron); err != nil {
			s.logger.Warn("skip schedule recovery", "workflow_id", wf.ID, "error", err.Error())
		}
	}
	return nil
}
