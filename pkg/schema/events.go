package schema

// Bus subjects for workflow lifecycle events and outbound node dispatch.
const (
	SubjectWorkflowStarted   = "workflow.started"
	SubjectWorkflowCompleted = "workflow.completed"
	SubjectWorkflowFailed    = "workflow.failed"
	SubjectWorkflowCancelled = "workflow.cancelled"

	SubjectEmailSend = "flow.email.send"

	subjectActionPrefix   = "flow.action."
	subjectDatabasePrefix = "flow.database."
)

// ActionSubject returns the request subject for a named action.
func ActionSubject(name string) string {
	return subjectActionPrefix + name
}

// DatabaseSubject returns the request subject for a database operation.
func DatabaseSubject(operation string) string {
	return subjectDatabasePrefix + operation
}

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

// StepStatus represents the lifecycle state of a single executed node.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)
