// Package workflow defines the domain model for workflow executions and
// agent tasks: status enums, the transition rules between them, and the
// timing bookkeeping that accompanies each transition.
package workflow

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
// Valid transitions:
//
//	OPEN        -> IN_PROGRESS, FAILED
//	IN_PROGRESS -> COMPLETED, FAILED
//	COMPLETED   -> (terminal)
//	FAILED      -> (terminal)
type ExecutionStatus string

const (
	// ExecutionOpen indicates the workflow is created but no task has started.
	ExecutionOpen ExecutionStatus = "OPEN"
	// ExecutionInProgress indicates at least one task is being worked on.
	ExecutionInProgress ExecutionStatus = "IN_PROGRESS"
	// ExecutionCompleted indicates the workflow finished successfully.
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	// ExecutionFailed indicates the workflow terminated with an error.
	ExecutionFailed ExecutionStatus = "FAILED"
)

// validExecutionTransitions defines the allowed status transitions for
// workflow executions. The key is the current status, the value is a set
// of valid target statuses.
var validExecutionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionOpen: {
		ExecutionInProgress: true,
		ExecutionFailed:     true,
	},
	ExecutionInProgress: {
		ExecutionCompleted: true,
		ExecutionFailed:    true,
	},
	// Terminal statuses have no valid transitions
	ExecutionCompleted: {},
	ExecutionFailed:    {},
}

// String returns the string representation of the ExecutionStatus.
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized ExecutionStatus value.
func (s ExecutionStatus) IsValid() bool {
	_, ok := validExecutionTransitions[s]
	return ok
}

// IsTerminal returns true if this status is terminal (COMPLETED or FAILED).
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CanTransitionTo returns true if transitioning from the current status to
// the target status is valid. A status always "transitions" to itself so
// idempotent re-application of an event is not an error.
func (s ExecutionStatus) CanTransitionTo(target ExecutionStatus) bool {
	if s == target {
		return true
	}
	allowed, ok := validExecutionTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// WorkflowExecution is one end-to-end run of the multi-step pipeline for a
// project. It owns an ordered set of agent tasks and is mutated only by the
// orchestration service.
type WorkflowExecution struct {
	// Identity
	ID        ExecutionID
	ProjectID string

	// Status and configuration
	Status ExecutionStatus
	Config map[string]any

	// Timing
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time // set iff Status is terminal

	// Identities
	InitiatorID string
	HandlerID   string // current handler, empty when unassigned
	CompleterID string

	// Outcome
	ErrorLog string
	Result   map[string]any
}

// Validate checks internal consistency: the CompletedAt timestamp must be
// present exactly when the status is terminal.
func (e *WorkflowExecution) Validate() error {
	if !e.ID.IsValid() {
		return NewValidationError("execution has invalid id %q", e.ID)
	}
	if e.ProjectID == "" {
		return NewValidationError("execution %s has no project", e.ID)
	}
	if !e.Status.IsValid() {
		return NewValidationError("execution %s has unknown status %q", e.ID, e.Status)
	}
	if e.Status.IsTerminal() && e.CompletedAt == nil {
		return NewValidationError("execution %s is %s but has no completedAt", e.ID, e.Status)
	}
	if !e.Status.IsTerminal() && e.CompletedAt != nil {
		return NewValidationError("execution %s is %s but has completedAt set", e.ID, e.Status)
	}
	return nil
}

// NewExecution creates a WorkflowExecution in OPEN status for the given
// project and initiator. The clock is passed in so callers control time.
func NewExecution(projectID, initiatorID string, config map[string]any, now time.Time) *WorkflowExecution {
	return &WorkflowExecution{
		ID:          NewExecutionID(),
		ProjectID:   projectID,
		Status:      ExecutionOpen,
		Config:      config,
		StartedAt:   now,
		UpdatedAt:   now,
		InitiatorID: initiatorID,
	}
}

// ExecutionPatch describes a partial update to a workflow execution.
// Nil fields are left unchanged.
type ExecutionPatch struct {
	Status      *ExecutionStatus
	HandlerID   *string
	CompleterID *string
	ErrorLog    *string
	Result      map[string]any
}

// Apply applies the patch to the execution. The first time a terminal
// status is set, CompletedAt is stamped with now; an existing CompletedAt
// is never overwritten.
func (p ExecutionPatch) Apply(e *WorkflowExecution, now time.Time) error {
	if p.Status != nil {
		if !p.Status.IsValid() {
			return NewValidationError("unknown execution status %q", *p.Status)
		}
		if !e.Status.CanTransitionTo(*p.Status) {
			return NewValidationError("execution %s cannot transition from %s to %s", e.ID, e.Status, *p.Status)
		}
		e.Status = *p.Status
		if e.Status.IsTerminal() && e.CompletedAt == nil {
			completed := now
			e.CompletedAt = &completed
		}
	}
	if p.HandlerID != nil {
		e.HandlerID = *p.HandlerID
	}
	if p.CompleterID != nil {
		e.CompleterID = *p.CompleterID
	}
	if p.ErrorLog != nil {
		e.ErrorLog = *p.ErrorLog
	}
	if p.Result != nil {
		e.Result = p.Result
	}
	e.UpdatedAt = now
	return nil
}
