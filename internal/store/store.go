// Package store defines the authoritative persistence interface for
// workflow executions and agent tasks, plus an in-memory implementation.
// The orchestration service is the only writer; updates go through
// read-modify-write callbacks so derived fields (like task duration) are
// computed against the stored record, not a caller-supplied snapshot.
package store

import (
	"context"
	"time"

	"github.com/tendril-app/tendril/internal/workflow"
)

// ListWorkflowsQuery filters ListWorkflows results. Zero values match all.
type ListWorkflowsQuery struct {
	ProjectID string
	Statuses  []workflow.ExecutionStatus
}

// Stats aggregates workflow counts for a project.
type Stats struct {
	Total       int
	Open        int
	InProgress  int
	Completed   int
	Failed      int
	SuccessRate float64 // Completed / (Completed + Failed), 0 when no terminal workflows
}

// Store is the authoritative store consumed by the orchestration service.
//
// CreateWorkflow is atomic: the execution and all its initial tasks are
// persisted together or not at all. UpdateWorkflow and UpdateTask apply the
// callback while holding exclusive access to the record; returning an error
// from the callback aborts the write and nothing is applied.
type Store interface {
	CreateWorkflow(ctx context.Context, exec *workflow.WorkflowExecution, tasks []*workflow.AgentTask) error
	GetWorkflow(ctx context.Context, id workflow.ExecutionID) (*workflow.WorkflowExecution, error)
	ListWorkflows(ctx context.Context, q ListWorkflowsQuery) ([]*workflow.WorkflowExecution, error)
	// UpdateWorkflow passes the execution together with its owned tasks so
	// cross-record validation (terminal status requires all tasks terminal)
	// happens inside the same atomic update.
	UpdateWorkflow(ctx context.Context, id workflow.ExecutionID, fn func(*workflow.WorkflowExecution, []*workflow.AgentTask) error) (*workflow.WorkflowExecution, error)
	// DeleteWorkflow removes the execution and cascades to its tasks.
	DeleteWorkflow(ctx context.Context, id workflow.ExecutionID) error

	CreateTask(ctx context.Context, task *workflow.AgentTask) error
	GetTask(ctx context.Context, id workflow.TaskID) (*workflow.AgentTask, error)
	// ListTasks returns the execution's tasks ordered by sequence order.
	ListTasks(ctx context.Context, executionID workflow.ExecutionID) ([]*workflow.AgentTask, error)
	UpdateTask(ctx context.Context, id workflow.TaskID, fn func(*workflow.AgentTask) error) (*workflow.AgentTask, error)

	CreateProject(ctx context.Context, id, name string) error
	ProjectExists(ctx context.Context, id string) (bool, error)

	WorkflowStats(ctx context.Context, projectID string) (Stats, error)

	Close() error
}

// CloneExecution returns a deep copy of the execution so callers cannot
// mutate stored state through aliased maps or pointers.
func CloneExecution(e *workflow.WorkflowExecution) *workflow.WorkflowExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Config = cloneMap(e.Config)
	out.Result = cloneMap(e.Result)
	out.CompletedAt = cloneTime(e.CompletedAt)
	return &out
}

// CloneTask returns a deep copy of the task.
func CloneTask(t *workflow.AgentTask) *workflow.AgentTask {
	if t == nil {
		return nil
	}
	out := *t
	out.Config = cloneMap(t.Config)
	out.Input = cloneMap(t.Input)
	out.Output = cloneMap(t.Output)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	if t.ExecutionTimeSeconds != nil {
		seconds := *t.ExecutionTimeSeconds
		out.ExecutionTimeSeconds = &seconds
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
