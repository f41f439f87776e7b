package store

import (
	"encoding/json"
	"time"

	"github.com/flowdhq/flowd/pkg/schema"
)

// Workflow is a persisted workflow definition owned by a tenant.
type Workflow struct {
	ID            string                    `json:"id"`
	TenantID      string                    `json:"tenant_id"`
	Name          string                    `json:"name"`
	Description   string                    `json:"description,omitempty"`
	Status        schema.WorkflowStatus     `json:"status"`
	TriggerType   schema.TriggerType        `json:"trigger_type"`
	TriggerConfig json.RawMessage           `json:"trigger_config,omitempty"`
	Definition    schema.WorkflowDefinition `json:"definition"`
	Category      string                    `json:"category,omitempty"`
	Tags          []string                  `json:"tags,omitempty"`
	Version       int                       `json:"version"`
	CreatedBy     string                    `json:"created_by,omitempty"`
	UpdatedBy     string                    `json:"updated_by,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	TenantID      string                 `json:"tenant_id"`
	Status        schema.ExecutionStatus `json:"status"`
	InputData     map[string]any         `json:"input_data,omitempty"`
	OutputData    json.RawMessage        `json:"output_data,omitempty"`
	Context       json.RawMessage        `json:"context,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ErrorDetails  json.RawMessage        `json:"error_details,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	TriggeredBy   string                 `json:"triggered_by,omitempty"`
	TriggerSource string                 `json:"trigger_source,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Step records one visit of one node during an execution. Revisits of the
// same node produce new rows; execution_order is unique per execution.
type Step struct {
	ID             string            `json:"id"`
	ExecutionID    string            `json:"execution_id"`
	NodeID         string            `json:"node_id"`
	Name           string            `json:"name,omitempty"`
	Type           schema.NodeType   `json:"type"`
	Status         schema.StepStatus `json:"status"`
	Input          json.RawMessage   `json:"input,omitempty"`
	Output         json.RawMessage   `json:"output,omitempty"`
	Config         json.RawMessage   `json:"config,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	RetryCount     int               `json:"retry_count"`
	ExecutionOrder int               `json:"execution_order"`
}

// Template is a reusable workflow blueprint.
type Template struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	Description   string                    `json:"description,omitempty"`
	Category      string                    `json:"category,omitempty"`
	Definition    schema.WorkflowDefinition `json:"definition"`
	DefaultConfig map[string]any            `json:"default_config,omitempty"`
	Tags          []string                  `json:"tags,omitempty"`
	IsPublic      bool                      `json:"is_public"`
	UsageCount    int                       `json:"usage_count"`
	Rating        float64                   `json:"rating"`
	Version       int                       `json:"version"`
	CreatedBy     string                    `json:"created_by,omitempty"`
	UpdatedBy     string                    `json:"updated_by,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	TenantID    string
	Status      *schema.WorkflowStatus
	TriggerType *schema.TriggerType
	Category    string
	Limit       int
	Offset      int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	TenantID   string
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
	Offset     int
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	Category   string
	PublicOnly bool
	Limit      int
	Offset     int
}

// WorkflowUpdate is a partial update; nil fields are left untouched.
// Updating the definition bumps the workflow version.
type WorkflowUpdate struct {
	Name          *string
	Description   *string
	Status        *schema.WorkflowStatus
	TriggerType   *schema.TriggerType
	TriggerConfig json.RawMessage
	Definition    *schema.WorkflowDefinition
	Category      *string
	Tags          []string
	UpdatedBy     string
}

// ExecutionUpdate is a partial update; nil fields are left untouched.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus
	OutputData   json.RawMessage
	Context      json.RawMessage
	ErrorMessage *string
	ErrorDetails json.RawMessage
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   *int
}

// StepUpdate is a partial update; nil fields are left untouched.
type StepUpdate struct {
	Status       *schema.StepStatus
	Output       json.RawMessage
	ErrorMessage *string
	CompletedAt  *time.Time
}
