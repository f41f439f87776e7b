package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/flowdhq/flowd/internal/bus"
	"github.com/flowdhq/flowd/internal/expressions"
	"github.com/flowdhq/flowd/internal/logging"
	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/internal/validation"
	"github.com/flowdhq/flowd/pkg/schema"
)

// Config tunes engine behavior. Zero values fall back to defaults.
type Config struct {
	// PoolSize bounds concurrent branches across all executions.
	PoolSize int
	// DefaultNodeTimeout applies to action and database dispatch when the
	// node config does not set one.
	DefaultNodeTimeout time.Duration
	// HTTPMaxResponseBody caps how much of an HTTP response body is read.
	HTTPMaxResponseBody int64
	// SandboxBudget is the wall-clock limit per expression evaluation.
	SandboxBudget time.Duration
}

const (
	defaultPoolSize        = 50
	defaultNodeTimeout     = 30 * time.Second
	defaultMaxResponseBody = 1 << 20
)

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = defaultNodeTimeout
	}
	if c.HTTPMaxResponseBody <= 0 {
		c.HTTPMaxResponseBody = defaultMaxResponseBody
	}
	return c
}

// Scheduling is what the engine needs from the cron scheduler during
// workflow activation. Kept narrow so tests can stub it.
type Scheduling interface {
	Schedule(workflowID, tenantID, cronExpr string) error
	Unschedule(workflowID string) error
	Validate(cronExpr string) error
}

// Engine runs workflow executions: it walks the definition graph node by
// node, evaluates edge conditions, merges node outputs into the shared
// execution context and persists every state change.
type Engine struct {
	store      store.Store
	bus        bus.Bus
	validator  *validation.DefinitionValidator
	conditions *expressions.CELEngine
	scripts    *expressions.ExprEngine
	sandbox    *expressions.Sandbox
	pool       *WorkerPool
	logger     *slog.Logger
	cfg        Config

	mu        sync.Mutex
	runs      map[string]*run
	scheduler Scheduling
}

// New creates an engine backed by the given store and bus.
func New(st store.Store, b bus.Bus, logger *slog.Logger, cfg Config) (*Engine, error) {
	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return nil, err
	}
	conditions, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Engine{
		store:      st,
		bus:        b,
		validator:  validator,
		conditions: conditions,
		scripts:    expressions.NewExprEngine(expressions.NewGoJQEngine()),
		sandbox:    expressions.NewSandbox(cfg.SandboxBudget),
		pool:       NewWorkerPool(cfg.PoolSize),
		logger:     logger,
		cfg:        cfg,
		runs:       make(map[string]*run),
	}, nil
}

// AttachScheduler wires the cron scheduler in after construction, breaking
// the engine/scheduler constructor cycle.
func (e *Engine) AttachScheduler(s Scheduling) {
	e.mu.Lock()
	e.scheduler = s
	e.mu.Unlock()
}

// Shutdown waits for in-flight branches to drain.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// errBranchCancelled is an internal sentinel: the branch stopped because the
// execution was cancelled, not because the node failed.
var errBranchCancelled = errors.New("branch cancelled")

// run is the in-memory state of one live execution.
type run struct {
	executionID string
	workflowID  string
	tenantID    string
	graph       *Graph
	input       map[string]any
	wfMeta      map[string]any

	mu      sync.Mutex
	context map[string]any
	failure error

	order     atomic.Int64
	paused    atomic.Bool
	cancelled atomic.Bool
	cancelCh  chan struct{}
	closeOnce sync.Once

	branches sync.WaitGroup
}

// snapshotContext returns a shallow copy of the execution context, safe to
// hand to expression evaluation and templates.
func (r *run) snapshotContext() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]any, len(r.context))
	for k, v := range r.context {
		snap[k] = v
	}
	return snap
}

// mergeContext folds a node's output into the shared context. Concurrent
// branches writing the same key resolve last-writer-wins.
func (r *run) mergeContext(output map[string]any) {
	if len(output) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range output {
		r.context[k] = v
	}
}

// setFailure records the first node failure; later failures are dropped.
func (r *run) setFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = err
	}
}

func (r *run) getFailure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// signalCancel flips the cancelled flag and unblocks suspended branches.
func (r *run) signalCancel() {
	r.cancelled.Store(true)
	r.closeOnce.Do(func() { close(r.cancelCh) })
}

// evalScope builds the data map expressions see: the execution context,
// the original input and workflow metadata, plus an optional result value.
func (r *run) evalScope(result any, includeResult bool) map[string]any {
	scope := map[string]any{
		"context":  r.snapshotContext(),
		"input":    r.input,
		"workflow": r.wfMeta,
	}
	if includeResult {
		scope["result"] = result
	}
	return scope
}

// Execute starts a new execution of an active workflow and returns its id.
// The graph walk happens on background goroutines; callers observe progress
// through the execution and step records.
func (e *Engine) Execute(ctx context.Context, tenantID, workflowID string, input map[string]any, triggeredBy, triggerSource string) (string, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if wf.TenantID != tenantID {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	if wf.Status != schema.WorkflowStatusActive {
		return "", schema.NewErrorf(schema.ErrCodeWorkflowNotActive,
			"workflow %s is %s, only active workflows can execute", workflowID, wf.Status)
	}

	graph, err := BuildGraph(&wf.Definition)
	if err != nil {
		return "", err
	}

	if input == nil {
		input = map[string]any{}
	}
	execContext, err := seedContext(wf.Definition.Variables, input)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		TenantID:      tenantID,
		Status:        schema.ExecutionStatusPending,
		InputData:     input,
		TriggeredBy:   triggeredBy,
		TriggerSource: triggerSource,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	running := schema.ExecutionStatusRunning
	startedAt := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		return "", err
	}

	r := &run{
		executionID: exec.ID,
		workflowID:  workflowID,
		tenantID:    tenantID,
		graph:       graph,
		input:       input,
		context:     execContext,
		cancelCh:    make(chan struct{}),
		wfMeta: map[string]any{
			"id":      wf.ID,
			"name":    wf.Name,
			"version": wf.Version,
		},
	}
	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()

	runCtx := logging.WithExecutionID(
		logging.WithWorkflowID(
			logging.WithTenantID(context.Background(), tenantID),
			workflowID),
		exec.ID)

	e.publish(runCtx, schema.SubjectWorkflowStarted, map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  workflowID,
		"tenant_id":    tenantID,
		"triggered_by": triggeredBy,
	})

	go e.runExecution(runCtx, r)

	return exec.ID, nil
}

// seedContext builds the initial execution context: definition variables
// overridden by execution input.
func seedContext(variables, input map[string]any) (map[string]any, error) {
	execContext := map[string]any{}
	if err := mergo.Merge(&execContext, variables, mergo.WithOverride); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "merge workflow variables").WithCause(err)
	}
	if err := mergo.Merge(&execContext, input, mergo.WithOverride); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "merge execution input").WithCause(err)
	}
	return execContext, nil
}

// runExecution walks the graph from the start node and finalizes the
// execution record when all branches are done.
func (e *Engine) runExecution(ctx context.Context, r *run) {
	e.logger.InfoContext(ctx, "execution started")

	if err := e.walkBranch(ctx, r, r.graph.Start); err != nil && !errors.Is(err, errBranchCancelled) {
		r.setFailure(err)
	}
	r.branches.Wait()

	e.finalize(ctx, r)
}

// walkBranch runs nodes along one path until an end node, a dead end, a
// failure, cancellation, or a fan-out that hands the remaining paths to the
// pool.
func (e *Engine) walkBranch(ctx context.Context, r *run, node *schema.NodeDefinition) error {
	for {
		if r.cancelled.Load() {
			return errBranchCancelled
		}
		if r.getFailure() != nil {
			return nil
		}
		if err := e.waitWhilePaused(ctx, r); err != nil {
			return err
		}

		output, err := e.executeNode(ctx, r, node)
		if err != nil {
			return err
		}
		r.mergeContext(output)

		if node.Type == schema.NodeTypeEnd {
			return nil
		}

		targets, err := e.eligibleTargets(ctx, r, node, output)
		if err != nil {
			return err
		}

		if len(targets) == 0 {
			// Dead end: the branch finishes without reaching an end node.
			return nil
		}
		// The current goroutine keeps walking the first target; extras
		// become their own branches through the pool.
		e.fanOut(ctx, r, targets[1:])
		node = targets[0]
	}
}

// fanOut hands each target to the pool as its own branch. Submission
// happens off this goroutine so a saturated pool never blocks the branch
// that is spawning the work while it still occupies a slot.
func (e *Engine) fanOut(ctx context.Context, r *run, targets []*schema.NodeDefinition) {
	for _, target := range targets {
		target := target
		r.branches.Add(1)
		go func() {
			err := e.pool.Submit(ctx, func(ctx context.Context) error {
				defer r.branches.Done()
				if err := e.walkBranch(ctx, r, target); err != nil && !errors.Is(err, errBranchCancelled) {
					r.setFailure(err)
					return err
				}
				return nil
			})
			if err != nil {
				r.setFailure(schema.NewError(schema.ErrCodeNodeExecution, "submit branch").WithCause(err))
				r.branches.Done()
			}
		}()
	}
}

// eligibleTargets returns the target nodes of outgoing edges whose condition
// is empty or evaluates truthy against the node's output.
func (e *Engine) eligibleTargets(ctx context.Context, r *run, node *schema.NodeDefinition, output map[string]any) ([]*schema.NodeDefinition, error) {
	edges := r.graph.Outgoing[node.ID]
	targets := make([]*schema.NodeDefinition, 0, len(edges))
	for _, edge := range edges {
		if edge.Condition != "" {
			scope := r.evalScope(edgeResult(node, output), true)
			ok, err := e.conditions.EvaluateBool(ctx, edge.Condition, scope)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
					"edge condition %s -> %s failed", edge.Source, edge.Target).
					WithNode(node.ID).WithCause(err)
			}
			if !ok {
				continue
			}
		}
		targets = append(targets, r.graph.Nodes[edge.Target])
	}
	return targets, nil
}

// edgeResult picks the value edge conditions see as `result`: the condition
// node's boolean, a script node's result, otherwise the full output map.
func edgeResult(node *schema.NodeDefinition, output map[string]any) any {
	switch node.Type {
	case schema.NodeTypeCondition:
		return output[schema.ConditionResultKey]
	case schema.NodeTypeScript:
		return output[schema.ScriptResultKey]
	default:
		return output
	}
}

// waitWhilePaused parks the branch while the execution is paused. Pause is
// observed at node boundaries only; the node in flight completes first.
func (e *Engine) waitWhilePaused(ctx context.Context, r *run) error {
	for r.paused.Load() {
		select {
		case <-r.cancelCh:
			return errBranchCancelled
		case <-ctx.Done():
			return errBranchCancelled
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// executeNode records a step row, dispatches the node handler and persists
// the outcome.
func (e *Engine) executeNode(ctx context.Context, r *run, node *schema.NodeDefinition) (map[string]any, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	order := int(r.order.Add(1))

	snapshot := r.snapshotContext()
	inputJSON, _ := json.Marshal(snapshot)

	now := time.Now().UTC()
	step := &store.Step{
		ID:             uuid.NewString(),
		ExecutionID:    r.executionID,
		NodeID:         node.ID,
		Name:           node.Name,
		Type:           node.Type,
		Status:         schema.StepStatusRunning,
		Input:          inputJSON,
		Config:         node.Config,
		StartedAt:      &now,
		ExecutionOrder: order,
	}
	if err := e.store.CreateStep(ctx, step); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create step record").
			WithNode(node.ID).WithCause(err)
	}

	e.logger.InfoContext(ctx, "node started", "node_type", node.Type, "order", order)

	output, err := e.dispatchNode(ctx, r, node)
	if errors.Is(err, errBranchCancelled) {
		e.persistStepState(step.ID, schema.StepStatusSkipped, nil, "")
		return nil, err
	}
	if err != nil {
		wrapped := wrapNodeErr(node, err)
		e.persistStepState(step.ID, schema.StepStatusFailed, nil, wrapped.Error())
		e.logger.ErrorContext(ctx, "node failed", "node_type", node.Type, "error", wrapped.Error())
		return nil, wrapped
	}

	outputJSON, _ := json.Marshal(output)
	e.persistStepState(step.ID, schema.StepStatusCompleted, outputJSON, "")
	e.logger.InfoContext(ctx, "node completed", "node_type", node.Type)

	return output, nil
}

// wrapNodeErr tags a node failure with the node id, preserving FlowError
// codes already set by the handler.
func wrapNodeErr(node *schema.NodeDefinition, err error) *schema.FlowError {
	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		if ferr.NodeID == "" {
			return ferr.WithNode(node.ID)
		}
		return ferr
	}
	return schema.NewErrorf(schema.ErrCodeNodeExecution,
		"node %s failed: %s", node.ID, err.Error()).
		WithNode(node.ID).WithCause(err)
}

// persistStepState updates a step record. Best effort: the walk does not
// stop because a status write failed, but it is logged.
func (e *Engine) persistStepState(stepID string, status schema.StepStatus, output json.RawMessage, errMsg string) {
	update := store.StepUpdate{Status: &status, Output: output}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if status != schema.StepStatusRunning {
		done := time.Now().UTC()
		update.CompletedAt = &done
	}
	if err := e.store.UpdateStep(context.Background(), stepID, update); err != nil {
		e.logger.Error("persist step state", "step_id", stepID, "error", err.Error())
	}
}

// finalize writes the terminal execution record and publishes the matching
// lifecycle event.
func (e *Engine) finalize(ctx context.Context, r *run) {
	e.mu.Lock()
	delete(e.runs, r.executionID)
	e.mu.Unlock()

	contextJSON, _ := json.Marshal(r.snapshotContext())
	done := time.Now().UTC()

	switch {
	case r.cancelled.Load():
		// Status was already written by Cancel; record final context.
		if err := e.store.UpdateExecution(context.Background(), r.executionID, store.ExecutionUpdate{
			Context:     contextJSON,
			CompletedAt: &done,
		}); err != nil {
			e.logger.ErrorContext(ctx, "persist cancelled execution", "error", err.Error())
		}
		e.publish(ctx, schema.SubjectWorkflowCancelled, e.lifecyclePayload(r, "cancelled", nil))
		e.logger.InfoContext(ctx, "execution cancelled")

	case r.getFailure() != nil:
		failure := r.getFailure()
		failed := schema.ExecutionStatusFailed
		msg := failure.Error()
		var details json.RawMessage
		var ferr *schema.FlowError
		if errors.As(failure, &ferr) {
			details, _ = json.Marshal(ferr)
		}
		if err := e.store.UpdateExecution(context.Background(), r.executionID, store.ExecutionUpdate{
			Status:       &failed,
			Context:      contextJSON,
			ErrorMessage: &msg,
			ErrorDetails: details,
			CompletedAt:  &done,
		}); err != nil {
			e.logger.ErrorContext(ctx, "persist failed execution", "error", err.Error())
		}
		e.publish(ctx, schema.SubjectWorkflowFailed, e.lifecyclePayload(r, "failed", map[string]any{"error": msg}))
		e.logger.ErrorContext(ctx, "execution failed", "error", msg)

	default:
		completed := schema.ExecutionStatusCompleted
		if err := e.store.UpdateExecution(context.Background(), r.executionID, store.ExecutionUpdate{
			Status:      &completed,
			Context:     contextJSON,
			OutputData:  contextJSON,
			CompletedAt: &done,
		}); err != nil {
			e.logger.ErrorContext(ctx, "persist completed execution", "error", err.Error())
		}
		e.publish(ctx, schema.SubjectWorkflowCompleted, e.lifecyclePayload(r, "completed", nil))
		e.logger.InfoContext(ctx, "execution completed")
	}
}

func (e *Engine) lifecyclePayload(r *run, status string, extra map[string]any) map[string]any {
	payload := map[string]any{
		"execution_id": r.executionID,
		"workflow_id":  r.workflowID,
		"tenant_id":    r.tenantID,
		"status":       status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// publish is fire-and-forget: event delivery failures are logged, never
// propagated into execution state.
func (e *Engine) publish(ctx context.Context, subject string, payload any) {
	if err := e.bus.Publish(ctx, subject, payload); err != nil {
		e.logger.WarnContext(ctx, "publish event", "subject", subject, "error", err.Error())
	}
}

// Cancel stops an execution. Live branches observe the cancellation at the
// next node boundary or suspension point; the node currently in flight is
// allowed to finish so external effects are not left half-done.
func (e *Engine) Cancel(ctx context.Context, tenantID, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.TenantID != tenantID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	if err := ValidateExecutionTransition(exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}

	cancelled := schema.ExecutionStatusCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	e.mu.Lock()
	r, live := e.runs[executionID]
	e.mu.Unlock()
	if live {
		r.signalCancel()
	} else {
		// Pending execution with no live run: publish the terminal event here.
		e.publish(ctx, schema.SubjectWorkflowCancelled, map[string]any{
			"execution_id": executionID,
			"workflow_id":  exec.WorkflowID,
			"tenant_id":    tenantID,
			"status":       "cancelled",
		})
	}

	e.logger.InfoContext(ctx, "execution cancel requested", "execution_id", executionID)
	return nil
}

// Pause suspends a running execution at the next node boundary.
func (e *Engine) Pause(ctx context.Context, tenantID, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.TenantID != tenantID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	if err := ValidateExecutionTransition(exec.Status, schema.ExecutionStatusPaused); err != nil {
		return err
	}

	paused := schema.ExecutionStatusPaused
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &paused}); err != nil {
		return err
	}

	e.mu.Lock()
	r, live := e.runs[executionID]
	e.mu.Unlock()
	if live {
		r.paused.Store(true)
	}
	return nil
}

// Resume unparks a paused execution.
func (e *Engine) Resume(ctx context.Context, tenantID, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.TenantID != tenantID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	if err := ValidateExecutionTransition(exec.Status, schema.ExecutionStatusRunning); err != nil {
		return err
	}

	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &running}); err != nil {
		return err
	}

	e.mu.Lock()
	r, live := e.runs[executionID]
	e.mu.Unlock()
	if live {
		r.paused.Store(false)
	}
	return nil
}

// ActiveRuns reports how many executions are currently live in this process.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}
