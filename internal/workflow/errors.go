package workflow

import "fmt"

// ErrWorkflowNotFound is returned when a workflow execution does not exist.
var ErrWorkflowNotFound = fmt.Errorf("workflow execution not found")

// ErrTaskNotFound is returned when an agent task does not exist.
var ErrTaskNotFound = fmt.Errorf("agent task not found")

// ErrProjectNotFound is returned when the referenced project does not exist.
var ErrProjectNotFound = fmt.Errorf("project not found")

// ValidationError reports an illegal state transition or invalid input.
// Callers distinguish it from not-found failures so the API layer can map
// it to a clear rejection reason instead of a generic failure.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NewValidationError creates a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError is surfaced when the store signals a concurrent-update
// conflict. Not expected during normal operation.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict updating %s %s", e.Entity, e.ID)
}
