// Package orchestrator is the single authoritative writer of workflow and
// task state. All mutations go through the Service; other components only
// read the store or consume bus notifications.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tendril-app/tendril/internal/bus"
	"github.com/tendril-app/tendril/internal/cache"
	"github.com/tendril-app/tendril/internal/log"
	"github.com/tendril-app/tendril/internal/store"
	"github.com/tendril-app/tendril/internal/tracing"
	"github.com/tendril-app/tendril/internal/workflow"
)

// DefaultStatsTTL bounds how stale project statistics may be.
const DefaultStatsTTL = 30 * time.Second

// Config carries the Service dependencies.
type Config struct {
	Store store.Store
	Bus   bus.Bus

	// Tracer is optional; a no-op tracer is used when nil.
	Tracer trace.Tracer

	// Clock is optional; time.Now is used when nil. Injected for tests.
	Clock func() time.Time

	// StatsTTL is the stats cache TTL; DefaultStatsTTL when zero.
	StatsTTL time.Duration

	// SkipStatsCache disables stats caching entirely.
	SkipStatsCache bool
}

// Service implements the orchestration operations.
type Service struct {
	store    store.Store
	bus      bus.Bus
	tracer   trace.Tracer
	clock    func() time.Time
	statsTTL time.Duration
	stats    *cache.ReadThrough[string, store.Stats, string]
}

// NewService creates the orchestration service.
func NewService(cfg Config) *Service {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	statsTTL := cfg.StatsTTL
	if statsTTL == 0 {
		statsTTL = DefaultStatsTTL
	}

	s := &Service{
		store:    cfg.Store,
		bus:      cfg.Bus,
		tracer:   tracer,
		clock:    clock,
		statsTTL: statsTTL,
	}
	s.stats = cache.NewReadThrough(
		cache.NewInMemoryManager[string, store.Stats]("workflow-stats", statsTTL, cache.DefaultCleanupInterval),
		func(ctx context.Context, projectID string) (store.Stats, error) {
			return s.store.WorkflowStats(ctx, projectID)
		},
		cfg.SkipStatsCache,
	)
	return s
}

// TaskSpec describes one task to create alongside a workflow. Sequence
// order is assigned from list position.
type TaskSpec struct {
	Agent  string         `json:"agent"`
	Input  map[string]any `json:"input,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// CreateWorkflowRequest is the createWorkflow input.
type CreateWorkflowRequest struct {
	ProjectID   string         `json:"project_id"`
	InitiatorID string         `json:"initiator_id"`
	Config      map[string]any `json:"config,omitempty"`
	Tasks       []TaskSpec     `json:"tasks"`
}

// CreateWorkflow validates the project, then atomically creates the
// execution in OPEN together with its tasks, sequence order following the
// input list order. All-or-nothing.
func (s *Service) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*workflow.WorkflowExecution, []*workflow.AgentTask, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"create_workflow")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrProjectID, req.ProjectID))

	if req.ProjectID == "" {
		return nil, nil, s.fail(span, workflow.NewValidationError("project id is required"))
	}
	for i, spec := range req.Tasks {
		if spec.Agent == "" {
			return nil, nil, s.fail(span, workflow.NewValidationError("task %d: agent is required", i+1))
		}
	}

	exists, err := s.store.ProjectExists(ctx, req.ProjectID)
	if err != nil {
		return nil, nil, s.fail(span, err)
	}
	if !exists {
		return nil, nil, s.fail(span, fmt.Errorf("project %s: %w", req.ProjectID, workflow.ErrProjectNotFound))
	}

	now := s.clock()
	exec := workflow.NewExecution(req.ProjectID, req.InitiatorID, req.Config, now)
	tasks := make([]*workflow.AgentTask, len(req.Tasks))
	for i, spec := range req.Tasks {
		tasks[i] = workflow.NewTask(exec.ID, spec.Agent, i+1, spec.Input, spec.Config)
	}

	if err := s.store.CreateWorkflow(ctx, exec, tasks); err != nil {
		return nil, nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String(tracing.AttrExecutionID, exec.ID.String()))

	s.stats.Invalidate(ctx, req.ProjectID)
	log.Info(log.CatWorkflow, "workflow created", "executionID", exec.ID, "projectID", req.ProjectID, "tasks", len(tasks))

	if err := s.notify(ctx, span, bus.WorkflowChanged(exec, now)); err != nil {
		return exec, tasks, err
	}
	return exec, tasks, nil
}

// GetWorkflow returns the execution.
func (s *Service) GetWorkflow(ctx context.Context, id workflow.ExecutionID) (*workflow.WorkflowExecution, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns executions matching the query.
func (s *Service) ListWorkflows(ctx context.Context, q store.ListWorkflowsQuery) ([]*workflow.WorkflowExecution, error) {
	return s.store.ListWorkflows(ctx, q)
}

// UpdateWorkflow applies the patch. Completion is rejected while the
// workflow still owns an unfinished task. The change notification is
// published only after the write committed.
func (s *Service) UpdateWorkflow(ctx context.Context, id workflow.ExecutionID, patch workflow.ExecutionPatch) (*workflow.WorkflowExecution, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"update_workflow")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrExecutionID, id.String()))

	now := s.clock()
	exec, err := s.store.UpdateWorkflow(ctx, id, func(exec *workflow.WorkflowExecution, tasks []*workflow.AgentTask) error {
		if patch.Status != nil && *patch.Status == workflow.ExecutionCompleted && workflow.HasUnfinished(tasks) {
			return workflow.NewValidationError("workflow %s has unfinished tasks", id)
		}
		return patch.Apply(exec, now)
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String(tracing.AttrStatus, string(exec.Status)))

	s.stats.Invalidate(ctx, exec.ProjectID)
	log.Info(log.CatWorkflow, "workflow updated", "executionID", id, "status", exec.Status)

	if err := s.notify(ctx, span, bus.WorkflowChanged(exec, now)); err != nil {
		return exec, err
	}
	return exec, nil
}

// DeleteWorkflow removes the execution and its tasks.
func (s *Service) DeleteWorkflow(ctx context.Context, id workflow.ExecutionID) error {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"delete_workflow")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrExecutionID, id.String()))

	exec, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return s.fail(span, err)
	}
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return s.fail(span, err)
	}

	s.stats.Invalidate(ctx, exec.ProjectID)
	log.Info(log.CatWorkflow, "workflow deleted", "executionID", id)
	return s.notify(ctx, span, bus.WorkflowChanged(exec, s.clock()))
}

// CreateTaskRequest is the createAgentTask input. SequenceOrder zero means
// "append after the execution's current last task".
type CreateTaskRequest struct {
	ExecutionID   workflow.ExecutionID `json:"execution_id"`
	Agent         string               `json:"agent"`
	SequenceOrder int                  `json:"sequence_order,omitempty"`
	Input         map[string]any       `json:"input,omitempty"`
	Config        map[string]any       `json:"config,omitempty"`
}

// CreateAgentTask adds a task to an existing execution, for stages
// discovered after workflow creation.
func (s *Service) CreateAgentTask(ctx context.Context, req CreateTaskRequest) (*workflow.AgentTask, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"create_task")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrExecutionID, req.ExecutionID.String()),
		attribute.String(tracing.AttrAgent, req.Agent),
	)

	if req.Agent == "" {
		return nil, s.fail(span, workflow.NewValidationError("agent is required"))
	}

	exec, err := s.store.GetWorkflow(ctx, req.ExecutionID)
	if err != nil {
		return nil, s.fail(span, err)
	}

	sequence := req.SequenceOrder
	if sequence <= 0 {
		tasks, err := s.store.ListTasks(ctx, req.ExecutionID)
		if err != nil {
			return nil, s.fail(span, err)
		}
		for _, t := range tasks {
			if t.SequenceOrder >= sequence {
				sequence = t.SequenceOrder + 1
			}
		}
		if sequence == 0 {
			sequence = 1
		}
	}

	task := workflow.NewTask(req.ExecutionID, req.Agent, sequence, req.Input, req.Config)
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String(tracing.AttrTaskID, task.ID.String()))
	log.Info(log.CatWorkflow, "task created", "taskID", task.ID, "executionID", req.ExecutionID, "agent", req.Agent, "sequence", sequence)

	if err := s.notify(ctx, span, bus.TaskChanged(task, exec.ProjectID, s.clock())); err != nil {
		return task, err
	}
	return task, nil
}

// GetTask returns the task.
func (s *Service) GetTask(ctx context.Context, id workflow.TaskID) (*workflow.AgentTask, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns the execution's tasks in sequence order.
func (s *Service) ListTasks(ctx context.Context, executionID workflow.ExecutionID) ([]*workflow.AgentTask, error) {
	return s.store.ListTasks(ctx, executionID)
}

// UpdateAgentTask applies the patch through the state machine transition
// rules. The duration computation runs inside the store update, so it sees
// the previously stored startedAt even under concurrent updates, and it is
// computed at most once.
func (s *Service) UpdateAgentTask(ctx context.Context, id workflow.TaskID, patch workflow.TaskPatch) (*workflow.AgentTask, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"update_task")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrTaskID, id.String()))

	now := s.clock()
	task, err := s.store.UpdateTask(ctx, id, func(task *workflow.AgentTask) error {
		return patch.Apply(task, now)
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String(tracing.AttrStatus, string(task.Status)))
	log.Info(log.CatWorkflow, "task updated", "taskID", id, "status", task.Status)

	if err := s.notify(ctx, span, bus.TaskChanged(task, s.projectFor(ctx, task.ExecutionID), now)); err != nil {
		return task, err
	}
	return task, nil
}

// ResetAgentTask force-returns the task to OPEN, clearing timestamps,
// duration, output, error, and handler identities so the step can be
// retried without touching sibling tasks.
func (s *Service) ResetAgentTask(ctx context.Context, id workflow.TaskID) (*workflow.AgentTask, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"reset_task")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrTaskID, id.String()))

	task, err := s.store.UpdateTask(ctx, id, func(task *workflow.AgentTask) error {
		task.Reset()
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	log.Info(log.CatWorkflow, "task reset", "taskID", id)

	if err := s.notify(ctx, span, bus.TaskChanged(task, s.projectFor(ctx, task.ExecutionID), s.clock())); err != nil {
		return task, err
	}
	return task, nil
}

// GetNextTask returns the pending task with the lowest sequence order, or
// nil when the workflow has no pending work.
func (s *Service) GetNextTask(ctx context.Context, executionID workflow.ExecutionID) (*workflow.AgentTask, error) {
	tasks, err := s.store.ListTasks(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return workflow.NextTask(tasks), nil
}

// GetWorkflowStats returns aggregate counts and success rate across a
// project's workflows, cached for a short TTL and invalidated on every
// workflow mutation in the project.
func (s *Service) GetWorkflowStats(ctx context.Context, projectID string) (store.Stats, error) {
	return s.stats.Get(ctx, projectID, projectID, s.statsTTL)
}

// NotifyUser publishes a personal notification on the user's topic.
func (s *Service) NotifyUser(ctx context.Context, userID, refID string) error {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"notify_user")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrUserID, userID))

	return s.notify(ctx, span, bus.UserNotified(userID, refID, s.clock()))
}

// notify publishes the change notification after the mutation committed.
// Workflow and task changes go out on their execution topic and, when the
// project is known, on the project topic too, so project-level streams see
// every change in the project. A publish failure does not undo the
// mutation; it is logged and returned so the caller can decide what to do
// with it.
func (s *Service) notify(ctx context.Context, span trace.Span, n bus.Notification) error {
	topics := []string{n.Topic}
	if pt := bus.ProjectTopic(n.ProjectID); n.ProjectID != "" && pt != n.Topic {
		topics = append(topics, pt)
	}

	for _, topic := range topics {
		n.Topic = topic
		if err := s.bus.Publish(ctx, n); err != nil {
			log.ErrorErr(log.CatBus, "change notification publish failed; state is committed but subscribers were not told", err, "topic", n.Topic)
			span.RecordError(err)
			return fmt.Errorf("publishing change notification: %w", err)
		}
		span.AddEvent(tracing.EventNotificationPublished, trace.WithAttributes(attribute.String(tracing.AttrTopic, n.Topic)))
	}
	return nil
}

// projectFor resolves the task's project for notification filtering.
// Best-effort: an unresolvable project leaves the field empty rather than
// failing the mutation.
func (s *Service) projectFor(ctx context.Context, executionID workflow.ExecutionID) string {
	exec, err := s.store.GetWorkflow(ctx, executionID)
	if err != nil {
		log.Warn(log.CatWorkflow, "could not resolve project for notification", "executionID", executionID)
		return ""
	}
	return exec.ProjectID
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
