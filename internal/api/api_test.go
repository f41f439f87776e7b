package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/internal/validation"
	"github.com/flowdhq/flowd/pkg/schema"
)

// apiStore implements the store methods the handlers touch; everything
// else panics through the embedded nil interface.
type apiStore struct {
	store.Store
	workflows  map[string]*store.Workflow
	executions map[string]*store.Execution
	steps      map[string][]*store.Step
	templates  map[string]*store.Template
}

func newAPIStore() *apiStore {
	return &apiStore{
		workflows:  map[string]*store.Workflow{},
		executions: map[string]*store.Execution{},
		steps:      map[string][]*store.Step{},
		templates:  map[string]*store.Template{},
	}
}

func (s *apiStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	s.workflows[wf.ID] = wf
	return nil
}

func (s *apiStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	wf, ok := s.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (s *apiStore) UpdateWorkflow(_ context.Context, id string, update store.WorkflowUpdate) error {
	wf, ok := s.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
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

func (s *apiStore) DeleteWorkflow(_ context.Context, id string) error {
	delete(s.workflows, id)
	return nil
}

func (s *apiStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	var out []*store.Workflow
	for _, wf := range s.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *apiStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	ex, ok := s.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return ex, nil
}

func (s *apiStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	var out []*store.Execution
	for _, ex := range s.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

func (s *apiStore) ListSteps(_ context.Context, executionID string) ([]*store.Step, error) {
	return s.steps[executionID], nil
}

func (s *apiStore) CreateTemplate(_ context.Context, tpl *store.Template) error {
	s.templates[tpl.ID] = tpl
	return nil
}

func (s *apiStore) GetTemplate(_ context.Context, id string) (*store.Template, error) {
	tpl, ok := s.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", id)
	}
	return tpl, nil
}

func (s *apiStore) ListTemplates(_ context.Context, _ store.TemplateFilter) ([]*store.Template, error) {
	var out []*store.Template
	for _, tpl := range s.templates {
		out = append(out, tpl)
	}
	return out, nil
}

// stubEngine records engine calls and returns canned results.
type stubEngine struct {
	executeErr      error
	cancelErr       error
	activateErr     error
	lastExecute     string
	lastInput       map[string]any
	lastTriggeredBy string
	created         *store.Workflow
}

func (e *stubEngine) Execute(_ context.Context, tenantID, workflowID string, input map[string]any, triggeredBy, _ string) (string, error) {
	if e.executeErr != nil {
		return "", e.executeErr
	}
	e.lastExecute = tenantID + "/" + workflowID
	e.lastInput = input
	e.lastTriggeredBy = triggeredBy
	return "exec-123", nil
}

func (e *stubEngine) Cancel(context.Context, string, string) error { return e.cancelErr }
func (e *stubEngine) Pause(context.Context, string, string) error  { return nil }
func (e *stubEngine) Resume(context.Context, string, string) error { return nil }

func (e *stubEngine) Activate(context.Context, string, string, string) error {
	return e.activateErr
}

func (e *stubEngine) Deactivate(context.Context, string, string, string) error { return nil }

func (e *stubEngine) CreateFromTemplate(_ context.Context, tenantID, templateID, name, _ string, _ map[string]any, _ string) (*store.Workflow, error) {
	if e.created != nil {
		return e.created, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", templateID)
}

func newTestServer(t *testing.T, st *apiStore, eng *stubEngine) http.Handler {
	t.Helper()
	validator, err := validation.NewDefinitionValidator()
	require.NoError(t, err)
	srv := NewServer(Deps{
		Store:     st,
		Engine:    eng,
		Validator: validator,
		Logger:    slog.New(slog.DiscardHandler),
	})
	return srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func minimalDefinition() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"id": "start", "type": "start"},
			{"id": "end", "type": "end"},
		},
		"edges": []map[string]any{
			{"source": "start", "target": "end"},
		},
	}
}

func TestCreateWorkflow(t *testing.T) {
	st := newAPIStore()
	h := newTestServer(t, st, &stubEngine{})

	rec := doRequest(t, h, http.MethodPost, "/workflows", "acme", map[string]any{
		"name":       "order sync",
		"definition": minimalDefinition(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var wf store.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, "acme", wf.TenantID)
	assert.Equal(t, schema.WorkflowStatusDraft, wf.Status)
	assert.Equal(t, schema.TriggerManual, wf.TriggerType)
	assert.NotEmpty(t, wf.ID)
}

func TestCreateWorkflowMissingTenant(t *testing.T) {
	h := newTestServer(t, newAPIStore(), &stubEngine{})

	rec := doRequest(t, h, http.MethodPost, "/workflows", "", map[string]any{
		"name":       "order sync",
		"definition": minimalDefinition(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWorkflowInvalidDefinition(t *testing.T) {
	h := newTestServer(t, newAPIStore(), &stubEngine{})

	rec := doRequest(t, h, http.MethodPost, "/workflows", "acme", map[string]any{
		"name": "bad",
		"definition": map[string]any{
			"nodes": []map[string]any{{"id": "n1", "type": "teleport"}},
			"edges": []map[string]any{},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(schema.ErrCodeDefinitionInvalid), body["code"])
}

func TestGetWorkflowCrossTenantHidden(t *testing.T) {
	st := newAPIStore()
	st.workflows["wf-1"] = &store.Workflow{ID: "wf-1", TenantID: "acme", Name: "secret"}
	h := newTestServer(t, st, &stubEngine{})

	rec := doRequest(t, h, http.MethodGet, "/workflows/wf-1", "initech", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/workflows/wf-1", "acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecuteWorkflow(t *testing.T) {
	st := newAPIStore()
	eng := &stubEngine{}
	h := newTestServer(t, st, eng)

	rec := doRequest(t, h, http.MethodPost, "/workflows/wf-1/execute", "acme", map[string]any{
		"inputData":   map[string]any{"order_id": "o-9"},
		"triggeredBy": "jdoe",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "exec-123", body["executionId"])
	assert.Equal(t, "acme/wf-1", eng.lastExecute)
	assert.Equal(t, map[string]any{"order_id": "o-9"}, eng.lastInput)
	assert.Equal(t, "jdoe", eng.lastTriggeredBy)
}

func TestExecuteWorkflowNotActive(t *testing.T) {
	eng := &stubEngine{executeErr: schema.NewError(schema.ErrCodeWorkflowNotActive, "workflow is draft")}
	h := newTestServer(t, newAPIStore(), eng)

	rec := doRequest(t, h, http.MethodPost, "/workflows/wf-1/execute", "acme", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(schema.ErrCodeWorkflowNotActive), body["code"])
}

func TestCancelExecutionInvalidTransition(t *testing.T) {
	eng := &stubEngine{cancelErr: schema.NewError(schema.ErrCodeInvalidTransition, "already completed")}
	h := newTestServer(t, newAPIStore(), eng)

	rec := doRequest(t, h, http.MethodPost, "/executions/exec-1/cancel", "acme", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetExecutionWithSteps(t *testing.T) {
	st := newAPIStore()
	st.executions["exec-1"] = &store.Execution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		TenantID:   "acme",
		Status:     schema.ExecutionStatusCompleted,
	}
	st.steps["exec-1"] = []*store.Step{
		{ID: "step-1", ExecutionID: "exec-1", NodeID: "start", ExecutionOrder: 1},
		{ID: "step-2", ExecutionID: "exec-1", NodeID: "end", ExecutionOrder: 2},
	}
	h := newTestServer(t, st, &stubEngine{})

	rec := doRequest(t, h, http.MethodGet, "/executions/exec-1", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Execution store.Execution `json:"execution"`
		Steps     []store.Step    `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "exec-1", body.Execution.ID)
	require.Len(t, body.Steps, 2)
	assert.Equal(t, "start", body.Steps[0].NodeID)

	rec = doRequest(t, h, http.MethodGet, "/executions/exec-1", "initech", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteActiveWorkflowRefused(t *testing.T) {
	st := newAPIStore()
	st.workflows["wf-1"] = &store.Workflow{ID: "wf-1", TenantID: "acme", Status: schema.WorkflowStatusActive}
	h := newTestServer(t, st, &stubEngine{})

	rec := doRequest(t, h, http.MethodDelete, "/workflows/wf-1", "acme", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	draft := schema.WorkflowStatusDraft
	st.workflows["wf-1"].Status = draft
	rec = doRequest(t, h, http.MethodDelete, "/workflows/wf-1", "acme", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTemplateLifecycle(t *testing.T) {
	st := newAPIStore()
	eng := &stubEngine{created: &store.Workflow{ID: "wf-new", TenantID: "acme", Name: "from template"}}
	h := newTestServer(t, st, eng)

	rec := doRequest(t, h, http.MethodPost, "/templates", "", map[string]any{
		"name":       "invoice chaser",
		"category":   "finance",
		"definition": minimalDefinition(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var tpl store.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tpl))

	rec = doRequest(t, h, http.MethodGet, "/templates/"+tpl.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/templates/"+tpl.ID+"/workflows", "acme", map[string]any{
		"name": "chase overdue",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var wf store.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, "wf-new", wf.ID)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, newAPIStore(), &stubEngine{})
	rec := doRequest(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
