package workflow

import "github.com/google/uuid"

// ExecutionID uniquely identifies a workflow execution.
// It is a string-based type using UUID format for global uniqueness.
type ExecutionID string

// NewExecutionID generates a new unique ExecutionID using UUID v4.
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

// String returns the string representation of the ExecutionID.
func (id ExecutionID) String() string {
	return string(id)
}

// IsValid returns true if the ExecutionID is a valid UUID format.
func (id ExecutionID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// TaskID uniquely identifies an agent task within a workflow execution.
type TaskID string

// NewTaskID generates a new unique TaskID using UUID v4.
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// String returns the string representation of the TaskID.
func (id TaskID) String() string {
	return string(id)
}

// IsValid returns true if the TaskID is a valid UUID format.
func (id TaskID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}
