package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tendril-app/tendril/internal/workflow"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// single-process development mode. All reads return deep copies so callers
// never alias stored state.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[workflow.ExecutionID]*workflow.WorkflowExecution
	tasks      map[workflow.TaskID]*workflow.AgentTask
	projects   map[string]string // id -> name
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[workflow.ExecutionID]*workflow.WorkflowExecution),
		tasks:      make(map[workflow.TaskID]*workflow.AgentTask),
		projects:   make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateWorkflow atomically stores the execution and its initial tasks.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, exec *workflow.WorkflowExecution, tasks []*workflow.AgentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return &workflow.ConflictError{Entity: "workflow", ID: exec.ID.String()}
	}
	seen := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists {
			return &workflow.ConflictError{Entity: "task", ID: t.ID.String()}
		}
		if seen[t.SequenceOrder] {
			return workflow.NewValidationError("duplicate sequence order %d in execution %s", t.SequenceOrder, exec.ID)
		}
		seen[t.SequenceOrder] = true
	}

	s.executions[exec.ID] = CloneExecution(exec)
	for _, t := range tasks {
		s.tasks[t.ID] = CloneTask(t)
	}
	return nil
}

// GetWorkflow retrieves an execution by ID.
func (s *MemoryStore) GetWorkflow(ctx context.Context, id workflow.ExecutionID) (*workflow.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	return CloneExecution(exec), nil
}

// ListWorkflows returns executions matching the query, newest first.
func (s *MemoryStore) ListWorkflows(ctx context.Context, q ListWorkflowsQuery) ([]*workflow.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.WorkflowExecution
	for _, exec := range s.executions {
		if q.ProjectID != "" && exec.ProjectID != q.ProjectID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, exec.Status) {
			continue
		}
		out = append(out, CloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// UpdateWorkflow applies fn to the stored execution under the write lock.
// The callback also receives the execution's tasks for cross-record
// validation. An error from fn aborts the update.
func (s *MemoryStore) UpdateWorkflow(ctx context.Context, id workflow.ExecutionID, fn func(*workflow.WorkflowExecution, []*workflow.AgentTask) error) (*workflow.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}

	// Work on a copy; commit only when fn succeeds.
	updated := CloneExecution(exec)
	tasks := s.tasksForLocked(id)
	if err := fn(updated, tasks); err != nil {
		return nil, err
	}

	s.executions[id] = updated
	return CloneExecution(updated), nil
}

// DeleteWorkflow removes the execution and cascades to its tasks.
func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id workflow.ExecutionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return workflow.ErrWorkflowNotFound
	}
	delete(s.executions, id)
	for taskID, t := range s.tasks {
		if t.ExecutionID == id {
			delete(s.tasks, taskID)
		}
	}
	return nil
}

// CreateTask stores a task for an existing execution.
func (s *MemoryStore) CreateTask(ctx context.Context, task *workflow.AgentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[task.ExecutionID]; !ok {
		return workflow.ErrWorkflowNotFound
	}
	if _, exists := s.tasks[task.ID]; exists {
		return &workflow.ConflictError{Entity: "task", ID: task.ID.String()}
	}
	for _, t := range s.tasks {
		if t.ExecutionID == task.ExecutionID && t.SequenceOrder == task.SequenceOrder {
			return workflow.NewValidationError("duplicate sequence order %d in execution %s", task.SequenceOrder, task.ExecutionID)
		}
	}
	s.tasks[task.ID] = CloneTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(ctx context.Context, id workflow.TaskID) (*workflow.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, workflow.ErrTaskNotFound
	}
	return CloneTask(task), nil
}

// ListTasks returns the execution's tasks ordered by sequence order.
func (s *MemoryStore) ListTasks(ctx context.Context, executionID workflow.ExecutionID) ([]*workflow.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.executions[executionID]; !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	return s.tasksForLocked(executionID), nil
}

// tasksForLocked returns ordered task copies. Caller must hold a lock.
func (s *MemoryStore) tasksForLocked(executionID workflow.ExecutionID) []*workflow.AgentTask {
	var out []*workflow.AgentTask
	for _, t := range s.tasks {
		if t.ExecutionID == executionID {
			out = append(out, CloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out
}

// UpdateTask applies fn to the stored task under the write lock. The
// callback sees the stored record, so duration computation reads the
// persisted StartedAt, not a caller snapshot.
func (s *MemoryStore) UpdateTask(ctx context.Context, id workflow.TaskID, fn func(*workflow.AgentTask) error) (*workflow.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, workflow.ErrTaskNotFound
	}

	updated := CloneTask(task)
	if err := fn(updated); err != nil {
		return nil, err
	}

	s.tasks[id] = updated
	return CloneTask(updated), nil
}

// CreateProject registers a project. Projects are external collaborators;
// the store only tracks their existence for referential validation.
func (s *MemoryStore) CreateProject(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[id]; exists {
		return &workflow.ConflictError{Entity: "project", ID: id}
	}
	s.projects[id] = name
	return nil
}

// ProjectExists reports whether the project is registered.
func (s *MemoryStore) ProjectExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.projects[id]
	return ok, nil
}

// WorkflowStats aggregates counts and the success rate over a project's
// workflow executions.
func (s *MemoryStore) WorkflowStats(ctx context.Context, projectID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[projectID]; !ok {
		return Stats{}, fmt.Errorf("stats for %s: %w", projectID, workflow.ErrProjectNotFound)
	}

	var stats Stats
	for _, exec := range s.executions {
		if exec.ProjectID != projectID {
			continue
		}
		stats.Total++
		switch exec.Status {
		case workflow.ExecutionOpen:
			stats.Open++
		case workflow.ExecutionInProgress:
			stats.InProgress++
		case workflow.ExecutionCompleted:
			stats.Completed++
		case workflow.ExecutionFailed:
			stats.Failed++
		}
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal)
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
