package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdhq/flowd/internal/bus"
	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/pkg/schema"
)

// mockStore is an in-memory store.Store for engine tests.
type mockStore struct {
	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	executions map[string]*store.Execution
	steps      map[string]*store.Step
	templates  map[string]*store.Template
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  map[string]*store.Workflow{},
		executions: map[string]*store.Execution{},
		steps:      map[string]*store.Step{},
		templates:  map[string]*store.Template{},
	}
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) UpdateWorkflow(_ context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.Name != nil {
		wf.Name = *update.Name
	}
	if update.Definition != nil {
		wf.Definition = *update.Definition
		wf.Version++
	}
	return nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) CreateExecution(_ context.Context, ex *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ex
	m.executions[ex.ID] = &cp
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	cp := *ex
	return &cp, nil
}

func (m *mockStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.Context != nil {
		ex.Context = update.Context
	}
	if update.OutputData != nil {
		ex.OutputData = update.OutputData
	}
	if update.ErrorMessage != nil {
		ex.ErrorMessage = *update.ErrorMessage
	}
	if update.ErrorDetails != nil {
		ex.ErrorDetails = update.ErrorDetails
	}
	if update.StartedAt != nil {
		ex.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *mockStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, ex := range m.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) CreateStep(_ context.Context, step *store.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.ID] = &cp
	return nil
}

func (m *mockStore) UpdateStep(_ context.Context, id string, update store.StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found", id)
	}
	if update.Status != nil {
		step.Status = *update.Status
	}
	if update.Output != nil {
		step.Output = update.Output
	}
	if update.ErrorMessage != nil {
		step.ErrorMessage = *update.ErrorMessage
	}
	if update.CompletedAt != nil {
		step.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *mockStore) ListSteps(_ context.Context, executionID string) ([]*store.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Step
	for _, step := range m.steps {
		if step.ExecutionID != executionID {
			continue
		}
		cp := *step
		out = append(out, &cp)
	}
	// Ordered by execution_order, matching the SQL store.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ExecutionOrder < out[i].ExecutionOrder {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *mockStore) CreateTemplate(_ context.Context, tpl *store.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tpl
	m.templates[tpl.ID] = &cp
	return nil
}

func (m *mockStore) GetTemplate(_ context.Context, id string) (*store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", id)
	}
	cp := *tpl
	return &cp, nil
}

func (m *mockStore) ListTemplates(_ context.Context, _ store.TemplateFilter) ([]*store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Template
	for _, tpl := range m.templates {
		cp := *tpl
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) IncrementTemplateUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", id)
	}
	tpl.UsageCount++
	return nil
}

func (m *mockStore) Close() error { return nil }

var _ store.Store = (*mockStore)(nil)

func newTestEngine(t *testing.T, st store.Store, b bus.Bus) *Engine {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	eng, err := New(st, b, logger, Config{PoolSize: 8})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng
}

func seedWorkflow(t *testing.T, st *mockStore, def schema.WorkflowDefinition) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID:          "wf-1",
		TenantID:    "acme",
		Name:        "test workflow",
		Status:      schema.WorkflowStatusActive,
		TriggerType: schema.TriggerManual,
		Definition:  def,
		Version:     1,
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	return wf
}

func waitTerminal(t *testing.T, st *mockStore, executionID string) *store.Execution {
	t.Helper()
	var exec *store.Execution
	require.Eventually(t, func() bool {
		ex, err := st.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		switch ex.Status {
		case schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled:
			exec = ex
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return exec
}

func TestExecuteLinearWorkflow(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "calc", Type: schema.NodeTypeScript, Config: json.RawMessage(`{"source":"amount * 2"}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "calc"},
			{Source: "calc", Target: "end"},
		},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1",
		map[string]any{"amount": 21}, "tester", "api")
	require.NoError(t, err)

	exec := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	var output map[string]any
	require.NoError(t, json.Unmarshal(exec.OutputData, &output))
	assert.EqualValues(t, 42, output["result"])

	steps, err := st.ListSteps(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "start", steps[0].NodeID)
	assert.Equal(t, "calc", steps[1].NodeID)
	assert.Equal(t, "end", steps[2].NodeID)
	for i, step := range steps {
		assert.Equal(t, schema.StepStatusCompleted, step.Status)
		assert.Equal(t, i+1, step.ExecutionOrder)
	}
}

func TestExecuteConditionRouting(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "check", Type: schema.NodeTypeCondition, Config: json.RawMessage(`{"expression":"context.x > 5"}`)},
			{ID: "big", Type: schema.NodeTypeScript, Config: json.RawMessage(`{"source":"\"large\""}`)},
			{ID: "small", Type: schema.NodeTypeScript, Config: json.RawMessage(`{"source":"\"tiny\""}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "big", Condition: "result == true"},
			{Source: "check", Target: "small", Condition: "result == false"},
			{Source: "big", Target: "end"},
			{Source: "small", Target: "end"},
		},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1",
		map[string]any{"x": 10}, "tester", "api")
	require.NoError(t, err)

	exec := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	steps, err := st.ListSteps(context.Background(), execID)
	require.NoError(t, err)

	visited := map[string]bool{}
	for _, step := range steps {
		visited[step.NodeID] = true
	}
	assert.True(t, visited["big"])
	assert.False(t, visited["small"])

	var output map[string]any
	require.NoError(t, json.Unmarshal(exec.OutputData, &output))
	assert.Equal(t, true, output[schema.ConditionResultKey])
	assert.Equal(t, "large", output["result"])
}

func TestExecuteNoEligibleEdgesEndsBranch(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "check", Type: schema.NodeTypeCondition, Config: json.RawMessage(`{"expression":"context.x > 5"}`)},
			{ID: "big", Type: schema.NodeTypeScript, Config: json.RawMessage(`{"source":"\"large\""}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "big", Condition: "result == true"},
			{Source: "big", Target: "end"},
		},
	})

	// x=1 makes the only conditional edge ineligible: the branch stops at
	// the condition node and the execution still completes cleanly.
	execID, err := eng.Execute(context.Background(), "acme", "wf-1",
		map[string]any{"x": 1}, "tester", "api")
	require.NoError(t, err)

	exec := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Empty(t, exec.ErrorMessage)

	steps, err := st.ListSteps(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "start", steps[0].NodeID)
	assert.Equal(t, "check", steps[1].NodeID)
	for _, step := range steps {
		assert.Equal(t, schema.StepStatusCompleted, step.Status)
	}
}

func TestExecuteFanOutOrdersUnique(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())

	nodes := []schema.NodeDefinition{
		{ID: "start", Type: schema.NodeTypeStart},
		{ID: "end", Type: schema.NodeTypeEnd},
	}
	edges := []schema.EdgeDefinition{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("branch%d", i)
		src := fmt.Sprintf(`{"source":"\"%s done\""}`, id)
		nodes = append(nodes, schema.NodeDefinition{ID: id, Type: schema.NodeTypeScript, Config: json.RawMessage(src)})
		edges = append(edges,
			schema.EdgeDefinition{Source: "start", Target: id},
			schema.EdgeDefinition{Source: id, Target: "end"},
		)
	}
	seedWorkflow(t, st, schema.WorkflowDefinition{Nodes: nodes, Edges: edges})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1", nil, "tester", "api")
	require.NoError(t, err)

	exec := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	steps, err := st.ListSteps(context.Background(), execID)
	require.NoError(t, err)
	// start + 5 branches + 5 end visits
	require.Len(t, steps, 11)

	seen := map[int]bool{}
	for _, step := range steps {
		assert.False(t, seen[step.ExecutionOrder], "duplicate execution_order %d", step.ExecutionOrder)
		seen[step.ExecutionOrder] = true
	}
}

func TestExecuteActionDispatch(t *testing.T) {
	st := newMockStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	unsub, err := b.Subscribe("flow.action.*", func(_ context.Context, subject string, data []byte) ([]byte, error) {
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		params, _ := req["parameters"].(map[string]any)
		return json.Marshal(map[string]any{"invoice_id": "inv-77", "customer": params["customer"]})
	})
	require.NoError(t, err)
	defer unsub()

	eng := newTestEngine(t, st, b)
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "bill", Type: schema.NodeTypeAction, Config: json.RawMessage(
				`{"name":"create_invoice","parameters":{"customer":"{{customer}}"}}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "bill"},
			{Source: "bill", Target: "end"},
		},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1",
		map[string]any{"customer": "globex"}, "tester", "api")
	require.NoError(t, err)

	exec := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	var output map[string]any
	require.NoError(t, json.Unmarshal(exec.OutputData, &output))
	assert.Equal(t, "inv-77", output["invoice_id"])
	assert.Equal(t, "globex", output["customer"])
}

func TestExecuteActionErrorReplyFailsExecution(t *testing.T) {
	st := newMockStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	unsub, err := b.Subscribe("flow.action.*", func(_ context.Context, _ string, _ []byte) ([]byte, error) {
		return json.Marshal(map[string]any{"error": "ledger closed"})
	})
	require.NoError(t, err)
	defer unsub()

	eng := newTestEngine(t, st, b)
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "bill", Type: schema.NodeTypeAction, Config: json.RawMessage(`{"name":"create_invoice"}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "bill"},
			{Source: "bill", Target: "end"},
		},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1", nil, "tester", "api")
	require.NoError(t, err)

	exec := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "ledger closed")

	steps, err := st.ListSteps(context.Background(), execID)
	require.NoError(t, err)
	var billStep *store.Step
	for _, step := range steps {
		if step.NodeID == "bill" {
			billStep = step
		}
	}
	require.NotNil(t, billStep)
	assert.Equal(t, schema.StepStatusFailed, billStep.Status)
}

func TestCancelDuringDelay(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "wait", Type: schema.NodeTypeDelay, Config: json.RawMessage(`{"duration":"30s"}`)},
			{ID: "after", Type: schema.NodeTypeScript, Config: json.RawMessage(`{"source":"\"ran\""}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "after"},
			{Source: "after", Target: "end"},
		},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1", nil, "tester", "api")
	require.NoError(t, err)

	// Let the walk reach the delay node before cancelling.
	require.Eventually(t, func() bool {
		steps, _ := st.ListSteps(context.Background(), execID)
		return len(steps) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Cancel(context.Background(), "acme", execID))

	exec := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)

	steps, err := st.ListSteps(context.Background(), execID)
	require.NoError(t, err)
	for _, step := range steps {
		assert.NotEqual(t, "after", step.NodeID, "nodes after the cancelled delay must not run")
		if step.NodeID == "wait" {
			assert.Equal(t, schema.StepStatusSkipped, step.Status)
		}
	}
}

func TestCancelCompletedExecutionRejected(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{{Source: "start", Target: "end"}},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1", nil, "tester", "api")
	require.NoError(t, err)
	waitTerminal(t, st, execID)

	err = eng.Cancel(context.Background(), "acme", execID)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ferr.Code)
}

func TestExecuteWorkflowNotActive(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	wf := seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{{Source: "start", Target: "end"}},
	})
	draft := schema.WorkflowStatusDraft
	require.NoError(t, st.UpdateWorkflow(context.Background(), wf.ID, store.WorkflowUpdate{Status: &draft}))

	_, err := eng.Execute(context.Background(), "acme", wf.ID, nil, "tester", "api")
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeWorkflowNotActive, ferr.Code)
}

func TestExecuteCrossTenantHidden(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{{Source: "start", Target: "end"}},
	})

	_, err := eng.Execute(context.Background(), "initech", "wf-1", nil, "tester", "api")
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestExecuteVariablesOverriddenByInput(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges:     []schema.EdgeDefinition{{Source: "start", Target: "end"}},
		Variables: map[string]any{"region": "emea", "retries": 3},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1",
		map[string]any{"region": "apac"}, "tester", "api")
	require.NoError(t, err)

	exec := waitTerminal(t, st, execID)
	var output map[string]any
	require.NoError(t, json.Unmarshal(exec.OutputData, &output))
	assert.Equal(t, "apac", output["region"])
	assert.EqualValues(t, 3, output["retries"])
}

func TestPauseAndResume(t *testing.T) {
	st := newMockStore()
	eng := newTestEngine(t, st, bus.NewMemoryBus())
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "wait", Type: schema.NodeTypeDelay, Config: json.RawMessage(`{"duration":"300ms"}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "end"},
		},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1", nil, "tester", "api")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return eng.Pause(context.Background(), "acme", execID) == nil
	}, 2*time.Second, 10*time.Millisecond)

	exec, err := st.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, exec.Status)

	require.NoError(t, eng.Resume(context.Background(), "acme", execID))

	final := waitTerminal(t, st, execID)
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
}

func TestLifecycleEventsPublished(t *testing.T) {
	st := newMockStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var subjects []string
	unsub, err := b.Subscribe("workflow.>", func(_ context.Context, subject string, _ []byte) ([]byte, error) {
		mu.Lock()
		subjects = append(subjects, subject)
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)
	defer unsub()

	eng := newTestEngine(t, st, b)
	seedWorkflow(t, st, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{{Source: "start", Target: "end"}},
	})

	execID, err := eng.Execute(context.Background(), "acme", "wf-1", nil, "tester", "api")
	require.NoError(t, err)
	waitTerminal(t, st, execID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subjects) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, subjects, schema.SubjectWorkflowStarted)
	assert.Contains(t, subjects, schema.SubjectWorkflowCompleted)
}
