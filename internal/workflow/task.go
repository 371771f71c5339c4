package workflow

import (
	"math"
	"time"
)

// TaskStatus represents the lifecycle state of an agent task.
// Valid transitions:
//
//	OPEN        -> IN_PROGRESS
//	WAITING     -> IN_PROGRESS
//	IN_PROGRESS -> COMPLETED, FAILED, WAITING
//	any         -> FAILED
//
// OPEN and WAITING are the pending statuses: only those are eligible for
// next-task selection. A failed or mis-executed task can be forced back to
// OPEN via Reset, which clears its bookkeeping.
type TaskStatus string

const (
	// TaskOpen indicates the task has not started yet.
	TaskOpen TaskStatus = "OPEN"
	// TaskInProgress indicates an agent is actively working the task.
	TaskInProgress TaskStatus = "IN_PROGRESS"
	// TaskWaiting indicates the task is blocked on an external condition
	// (e.g. human feedback) before re-entering IN_PROGRESS.
	TaskWaiting TaskStatus = "WAITING"
	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed indicates the task terminated with an error.
	TaskFailed TaskStatus = "FAILED"
)

var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskOpen: {
		TaskInProgress: true,
		TaskFailed:     true,
	},
	TaskWaiting: {
		TaskInProgress: true,
		TaskFailed:     true,
	},
	TaskInProgress: {
		TaskCompleted: true,
		TaskWaiting:   true,
		TaskFailed:    true,
	},
	TaskCompleted: {
		TaskFailed: true, // late failure report still recorded
	},
	TaskFailed: {},
}

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized TaskStatus value.
func (s TaskStatus) IsValid() bool {
	_, ok := validTaskTransitions[s]
	return ok
}

// IsTerminal returns true for COMPLETED and FAILED.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsPending returns true for the statuses eligible for next-task
// selection (OPEN and WAITING).
func (s TaskStatus) IsPending() bool {
	return s == TaskOpen || s == TaskWaiting
}

// CanTransitionTo returns true if transitioning from the current status to
// the target status is valid. Self-transitions are allowed so re-delivered
// progress events are not rejected.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if s == target {
		return true
	}
	allowed, ok := validTaskTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// AgentTask is one ordered step within a workflow execution, performed by a
// named capability ("agent"). Sequence order is unique within an execution
// and defines the total order of the pipeline.
type AgentTask struct {
	// Identity
	ID          TaskID
	ExecutionID ExecutionID

	// Step definition
	Agent         string
	SequenceOrder int
	Config        map[string]any

	// Status and timing
	Status               TaskStatus
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ExecutionTimeSeconds *int64 // derived: round(CompletedAt - StartedAt), set once

	// Data
	Input  map[string]any
	Output map[string]any

	// Outcome and identities
	ErrorLog    string
	HandlerID   string
	CompleterID string
}

// NewTask creates an AgentTask in OPEN status for the given execution.
func NewTask(executionID ExecutionID, agent string, sequenceOrder int, input, config map[string]any) *AgentTask {
	return &AgentTask{
		ID:            NewTaskID(),
		ExecutionID:   executionID,
		Agent:         agent,
		SequenceOrder: sequenceOrder,
		Status:        TaskOpen,
		Input:         input,
		Config:        config,
	}
}

// Start transitions the task to IN_PROGRESS, stamping StartedAt if unset
// and recording the handler identity. Valid from OPEN and WAITING; also a
// no-op-friendly self-transition from IN_PROGRESS for re-delivered events.
func (t *AgentTask) Start(handlerID string, now time.Time) error {
	if !t.Status.CanTransitionTo(TaskInProgress) {
		return NewValidationError("task %s cannot transition from %s to %s", t.ID, t.Status, TaskInProgress)
	}
	t.Status = TaskInProgress
	if t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if handlerID != "" {
		t.HandlerID = handlerID
	}
	return nil
}

// Complete transitions the task to COMPLETED, stamping CompletedAt and
// computing the execution duration exactly once from whichever StartedAt
// is available. Output and the completer identity are recorded.
func (t *AgentTask) Complete(completerID string, output map[string]any, now time.Time) error {
	if !t.Status.CanTransitionTo(TaskCompleted) {
		return NewValidationError("task %s cannot transition from %s to %s", t.ID, t.Status, TaskCompleted)
	}
	t.Status = TaskCompleted
	if t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}
	t.computeDuration()
	if output != nil {
		t.Output = output
	}
	if completerID != "" {
		t.CompleterID = completerID
	}
	return nil
}

// Fail transitions the task to FAILED and records the error log. Already
// stamped timestamps are kept; this transition is valid from any status.
func (t *AgentTask) Fail(errorLog string) {
	t.Status = TaskFailed
	if errorLog != "" {
		t.ErrorLog = errorLog
	}
}

// Wait transitions the task to WAITING (blocked on an external condition).
func (t *AgentTask) Wait() error {
	if !t.Status.CanTransitionTo(TaskWaiting) {
		return NewValidationError("task %s cannot transition from %s to %s", t.ID, t.Status, TaskWaiting)
	}
	t.Status = TaskWaiting
	return nil
}

// Reset force-transitions the task back to OPEN, clearing timestamps,
// duration, output, error log, and both handler identities. Used to retry
// a failed or mis-executed step without discarding sibling tasks.
func (t *AgentTask) Reset() {
	t.Status = TaskOpen
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ExecutionTimeSeconds = nil
	t.Output = nil
	t.ErrorLog = ""
	t.HandlerID = ""
	t.CompleterID = ""
}

// computeDuration stores round(CompletedAt - StartedAt) in seconds.
// The duration is set at most once and only when both timestamps exist.
func (t *AgentTask) computeDuration() {
	if t.ExecutionTimeSeconds != nil {
		return
	}
	if t.StartedAt == nil || t.CompletedAt == nil {
		return
	}
	seconds := int64(math.Round(t.CompletedAt.Sub(*t.StartedAt).Seconds()))
	t.ExecutionTimeSeconds = &seconds
}

// TaskPatch describes a partial update to an agent task. Nil fields are
// left unchanged. Status changes route through the transition rules.
type TaskPatch struct {
	Status      *TaskStatus
	StartedAt   *time.Time
	HandlerID   *string
	CompleterID *string
	Input       map[string]any
	Output      map[string]any
	ErrorLog    *string
	Config      map[string]any
}

// Apply applies the patch to the task. A supplied StartedAt only fills in
// a missing timestamp; a previously-stored one wins so the duration
// computation always sees the authoritative start time.
func (p TaskPatch) Apply(t *AgentTask, now time.Time) error {
	if p.StartedAt != nil && t.StartedAt == nil {
		t.StartedAt = p.StartedAt
	}
	if p.Input != nil {
		t.Input = p.Input
	}
	if p.Config != nil {
		t.Config = p.Config
	}

	if p.Status != nil {
		if !p.Status.IsValid() {
			return NewValidationError("unknown task status %q", *p.Status)
		}
		switch *p.Status {
		case TaskInProgress:
			if err := t.Start(deref(p.HandlerID), now); err != nil {
				return err
			}
		case TaskCompleted:
			if err := t.Complete(deref(p.CompleterID), p.Output, now); err != nil {
				return err
			}
		case TaskFailed:
			t.Fail(deref(p.ErrorLog))
		case TaskWaiting:
			if err := t.Wait(); err != nil {
				return err
			}
		case TaskOpen:
			if t.Status != TaskOpen {
				return NewValidationError("task %s cannot transition from %s to %s; use reset", t.ID, t.Status, TaskOpen)
			}
		}
	}

	// Non-status fields still apply when no transition was requested.
	if p.Status == nil {
		if p.HandlerID != nil {
			t.HandlerID = *p.HandlerID
		}
		if p.CompleterID != nil {
			t.CompleterID = *p.CompleterID
		}
		if p.Output != nil {
			t.Output = p.Output
		}
		if p.ErrorLog != nil {
			t.ErrorLog = *p.ErrorLog
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NextTask returns the pending task with the lowest sequence order among
// those in OPEN or WAITING status, or nil when the workflow has no pending
// work. The input slice does not need to be sorted.
func NextTask(tasks []*AgentTask) *AgentTask {
	var next *AgentTask
	for _, t := range tasks {
		if !t.Status.IsPending() {
			continue
		}
		if next == nil || t.SequenceOrder < next.SequenceOrder {
			next = t
		}
	}
	return next
}

// HasUnfinished reports whether any task is in OPEN, WAITING, or
// IN_PROGRESS. A workflow cannot be marked COMPLETED while this is true.
func HasUnfinished(tasks []*AgentTask) bool {
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return true
		}
	}
	return false
}
