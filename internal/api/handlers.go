package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flowdhq/flowd/internal/logging"
	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/pkg/schema"
)

type createWorkflowRequest struct {
	Name          string                     `json:"name"`
	Description   string                     `json:"description"`
	TriggerType   schema.TriggerType         `json:"trigger_type"`
	TriggerConfig json.RawMessage            `json:"trigger_config"`
	Definition    *schema.WorkflowDefinition `json:"definition"`
	Category      string                     `json:"category"`
	Tags          []string                   `json:"tags"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req createWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflow name is required"))
		return
	}
	if req.Definition == nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflow definition is required"))
		return
	}
	if err := s.deps.Validator.ValidateDefinition(req.Definition); err != nil {
		writeError(w, err)
		return
	}
	if req.TriggerType == "" {
		req.TriggerType = schema.TriggerManual
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:            uuid.NewString(),
		TenantID:      tenant,
		Name:          req.Name,
		Description:   req.Description,
		Status:        schema.WorkflowStatusDraft,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		Definition:    *req.Definition,
		Category:      req.Category,
		Tags:          req.Tags,
		Version:       1,
		CreatedBy:     actor(r),
		UpdatedBy:     actor(r),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ctx := logging.WithTenantID(r.Context(), tenant)
	if err := s.deps.Store.CreateWorkflow(ctx, wf); err != nil {
		writeError(w, err)
		return
	}

	s.deps.Logger.InfoContext(ctx, "workflow created", "workflow_id", wf.ID)
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}

	filter := store.WorkflowFilter{
		TenantID: tenant,
		Category: r.URL.Query().Get("category"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.WorkflowStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("trigger_type"); v != "" {
		trigger := schema.TriggerType(v)
		filter.TriggerType = &trigger
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// getTenantWorkflow loads a workflow and hides cross-tenant rows behind 404.
func (s *Server) getTenantWorkflow(w http.ResponseWriter, r *http.Request, tenant string) (*store.Workflow, bool) {
	id := r.PathValue("id")
	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if wf.TenantID != tenant {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id))
		return nil, false
	}
	return wf, true
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	wf, ok := s.getTenantWorkflow(w, r, tenant)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type updateWorkflowRequest struct {
	Name          *string                    `json:"name"`
	Description   *string                    `json:"description"`
	TriggerType   *schema.TriggerType        `json:"trigger_type"`
	TriggerConfig json.RawMessage            `json:"trigger_config"`
	Definition    *schema.WorkflowDefinition `json:"definition"`
	Category      *string                    `json:"category"`
	Tags          []string                   `json:"tags"`
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	wf, ok := s.getTenantWorkflow(w, r, tenant)
	if !ok {
		return
	}

	var req updateWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Definition != nil {
		if err := s.deps.Validator.ValidateDefinition(req.Definition); err != nil {
			writeError(w, err)
			return
		}
	}

	update := store.WorkflowUpdate{
		Name:          req.Name,
		Description:   req.Description,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		Definition:    req.Definition,
		Category:      req.Category,
		Tags:          req.Tags,
		UpdatedBy:     actor(r),
	}
	if err := s.deps.Store.UpdateWorkflow(r.Context(), wf.ID, update); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.deps.Store.GetWorkflow(r.Context(), wf.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	wf, ok := s.getTenantWorkflow(w, r, tenant)
	if !ok {
		return
	}
	if wf.Status == schema.WorkflowStatusActive {
		writeError(w, schema.NewError(schema.ErrCodeConflict, "deactivate the workflow before deleting it"))
		return
	}
	if err := s.deps.Store.DeleteWorkflow(r.Context(), wf.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Activate(r.Context(), tenant, r.PathValue("id"), actor(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.WorkflowStatusActive)})
}

func (s *Server) handleDeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Deactivate(r.Context(), tenant, r.PathValue("id"), actor(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.WorkflowStatusInactive)})
}

// executeWorkflowRequest is the trigger contract the gateway speaks; its
// field names are camelCase unlike the snake_case entity payloads.
type executeWorkflowRequest struct {
	Input         map[string]any `json:"inputData"`
	TriggeredBy   string         `json:"triggeredBy"`
	TriggerSource string         `json:"triggerSource"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	req := executeWorkflowRequest{}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	if req.TriggeredBy == "" {
		req.TriggeredBy = actor(r)
	}
	if req.TriggerSource == "" {
		req.TriggerSource = "api"
	}

	execID, err := s.deps.Engine.Execute(r.Context(), tenant, r.PathValue("id"), req.Input, req.TriggeredBy, req.TriggerSource)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": execID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	wf, ok := s.getTenantWorkflow(w, r, tenant)
	if !ok {
		return
	}

	filter := store.ExecutionFilter{
		TenantID:   tenant,
		WorkflowID: wf.ID,
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	executions, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if executions == nil {
		executions = []*store.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	exec, err := s.deps.Store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if exec.TenantID != tenant {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id))
		return
	}

	steps, err := s.deps.Store.ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if steps == nil {
		steps = []*store.Step{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution": exec, "steps": steps})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Cancel(r.Context(), tenant, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.ExecutionStatusCancelled)})
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Pause(r.Context(), tenant, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.ExecutionStatusPaused)})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Resume(r.Context(), tenant, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.ExecutionStatusRunning)})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := store.TemplateFilter{
		Category:   r.URL.Query().Get("category"),
		PublicOnly: r.URL.Query().Get("public") == "true",
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	templates, err := s.deps.Store.ListTemplates(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []*store.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

type createTemplateRequest struct {
	Name          string                     `json:"name"`
	Description   string                     `json:"description"`
	Category      string                     `json:"category"`
	Definition    *schema.WorkflowDefinition `json:"definition"`
	DefaultConfig map[string]any             `json:"default_config"`
	Tags          []string                   `json:"tags"`
	IsPublic      bool                       `json:"is_public"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "template name is required"))
		return
	}
	if req.Definition == nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "template definition is required"))
		return
	}
	if err := s.deps.Validator.ValidateDefinition(req.Definition); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	tpl := &store.Template{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		Category:      req.Category,
		Definition:    *req.Definition,
		DefaultConfig: req.DefaultConfig,
		Tags:          req.Tags,
		IsPublic:      req.IsPublic,
		Version:       1,
		CreatedBy:     actor(r),
		UpdatedBy:     actor(r),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deps.Store.CreateTemplate(r.Context(), tpl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Store.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

type instantiateTemplateRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Config      map[string]any `json:"config"`
}

func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	req := instantiateTemplateRequest{}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	wf, err := s.deps.Engine.CreateFromTemplate(r.Context(), tenant, r.PathValue("id"),
		req.Name, req.Description, req.Config, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}
