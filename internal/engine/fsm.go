package engine

import (
	"github.com/flowdhq/flowd/pkg/schema"
)

// ValidExecutionTransitions is the execution status transition table.
// Terminal states (completed, failed, cancelled) allow no transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
		schema.ExecutionStatusPaused,
	},
	schema.ExecutionStatusPaused: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions is the step status transition table.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusRunning,
		schema.StepStatusSkipped,
	},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
	},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// ValidateExecutionTransition returns an INVALID_TRANSITION error when the
// move from one execution status to another is not in the table.
func ValidateExecutionTransition(from, to schema.ExecutionStatus) error {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// ValidateStepTransition returns an INVALID_TRANSITION error when the move
// from one step status to another is not in the table.
func ValidateStepTransition(from, to schema.StepStatus) error {
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
