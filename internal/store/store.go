package store

import "context"

// Store is the persistence boundary for workflows, executions, steps and
// templates. All implementations must be safe for concurrent use.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	CreateStep(ctx context.Context, step *Step) error
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	ListSteps(ctx context.Context, executionID string) ([]*Step, error)

	CreateTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)
	IncrementTemplateUsage(ctx context.Context, id string) error

	Close() error
}
