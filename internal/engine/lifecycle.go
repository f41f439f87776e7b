package engine

import (
	"context"
	"encoding/json"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/pkg/schema"
)

// Activate validates a workflow and flips it to active. Scheduled workflows
// are registered with the cron scheduler; the cron expression is validated
// before the status changes so a bad schedule never leaves a half-active
// workflow.
func (e *Engine) Activate(ctx context.Context, tenantID, workflowID, updatedBy string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.TenantID != tenantID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	if wf.Status == schema.WorkflowStatusArchived {
		return schema.NewError(schema.ErrCodeInvalidTransition, "archived workflows cannot be activated")
	}

	if err := e.validator.ValidateDefinition(&wf.Definition); err != nil {
		return err
	}
	if _, err := BuildGraph(&wf.Definition); err != nil {
		return err
	}

	var cronExpr string
	if wf.TriggerType == schema.TriggerScheduled {
		var trigger schema.TriggerConfig
		if len(wf.TriggerConfig) > 0 {
			if err := json.Unmarshal(wf.TriggerConfig, &trigger); err != nil {
				return schema.NewError(schema.ErrCodeScheduleInvalid, "invalid trigger config").WithCause(err)
			}
		}
		if trigger.Cron == "" {
			return schema.NewError(schema.ErrCodeScheduleInvalid, "scheduled workflow has no cron expression")
		}
		if e.scheduler == nil {
			return schema.NewError(schema.ErrCodeScheduleInvalid, "no scheduler available")
		}
		if err := e.scheduler.Validate(trigger.Cron); err != nil {
			return err
		}
		cronExpr = trigger.Cron
	}

	active := schema.WorkflowStatusActive
	if err := e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{
		Status:    &active,
		UpdatedBy: updatedBy,
	}); err != nil {
		return err
	}

	if cronExpr != "" {
		if err := e.scheduler.Schedule(workflowID, tenantID, cronExpr); err != nil {
			// Roll the status back so the workflow is not active without
			// its schedule.
			prev := wf.Status
			if rbErr := e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{
				Status:    &prev,
				UpdatedBy: updatedBy,
			}); rbErr != nil {
				e.logger.ErrorContext(ctx, "rollback activation", "workflow_id", workflowID, "error", rbErr.Error())
			}
			return err
		}
	}

	e.logger.InfoContext(ctx, "workflow activated", "workflow_id", workflowID)
	return nil
}

// Deactivate flips a workflow to inactive and removes any cron schedule.
// Running executions are not touched.
func (e *Engine) Deactivate(ctx context.Context, tenantID, workflowID, updatedBy string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.TenantID != tenantID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}

	inactive := schema.WorkflowStatusInactive
	if err := e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{
		Status:    &inactive,
		UpdatedBy: updatedBy,
	}); err != nil {
		return err
	}

	if wf.TriggerType == schema.TriggerScheduled && e.scheduler != nil {
		if err := e.scheduler.Unschedule(workflowID); err != nil {
			e.logger.WarnContext(ctx, "unschedule workflow", "workflow_id", workflowID, "error", err.Error())
		}
	}

	e.logger.InfoContext(ctx, "workflow deactivated", "workflow_id", workflowID)
	return nil
}

// CreateFromTemplate instantiates a template as a new draft workflow. The
// definition is deep-copied and the template's default config, overridden by
// the caller's config, becomes the definition variables.
func (e *Engine) CreateFromTemplate(ctx context.Context, tenantID, templateID, name, description string, config map[string]any, createdBy string) (*store.Workflow, error) {
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	def, err := tpl.Definition.Clone()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "clone template definition").WithCause(err)
	}

	vars := map[string]any{}
	if err := mergo.Merge(&vars, tpl.DefaultConfig, mergo.WithOverride); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "merge template defaults").WithCause(err)
	}
	if err := mergo.Merge(&vars, config, mergo.WithOverride); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "merge template config").WithCause(err)
	}
	if def.Variables == nil {
		def.Variables = map[string]any{}
	}
	if err := mergo.Merge(&def.Variables, vars, mergo.WithOverride); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "merge template variables").WithCause(err)
	}

	if name == "" {
		name = tpl.Name
	}
	if description == "" {
		description = tpl.Description
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Status:      schema.WorkflowStatusDraft,
		TriggerType: schema.TriggerManual,
		Definition:  *def,
		Category:    tpl.Category,
		Tags:        tpl.Tags,
		Version:     1,
		CreatedBy:   createdBy,
		UpdatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	if err := e.store.IncrementTemplateUsage(ctx, templateID); err != nil {
		// Usage counting is advisory; the workflow is already created.
		e.logger.WarnContext(ctx, "increment template usage", "template_id", templateID, "error", err.Error())
	}

	return wf, nil
}
