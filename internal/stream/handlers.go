package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tendril-app/tendril/internal/log"
	"github.com/tendril-app/tendril/internal/workflow"
)

// Event types emitted by the execution engine.
const (
	EventTaskStarted       = "task.started"
	EventTaskProgress      = "task.progress"
	EventTaskWaiting       = "task.waiting"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
)

// Orchestration is the slice of the orchestration service the dispatcher
// needs to apply engine progress.
type Orchestration interface {
	UpdateAgentTask(ctx context.Context, id workflow.TaskID, patch workflow.TaskPatch) (*workflow.AgentTask, error)
	UpdateWorkflow(ctx context.Context, id workflow.ExecutionID, patch workflow.ExecutionPatch) (*workflow.WorkflowExecution, error)
}

// enginePayload is the JSON body common to all engine events.
type enginePayload struct {
	TaskID      string         `json:"task_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	HandlerID   string         `json:"handler_id,omitempty"`
	CompleterID string         `json:"completer_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Dispatcher routes engine events to orchestration transitions by type.
// The underlying transitions tolerate re-delivery, which readEvents'
// in-order, no-dedup contract requires.
type Dispatcher struct {
	svc Orchestration
}

// NewDispatcher creates a Dispatcher over the orchestration service.
func NewDispatcher(svc Orchestration) *Dispatcher {
	return &Dispatcher{svc: svc}
}

var _ Handler = (*Dispatcher)(nil)

// HandleEvent decodes and applies one engine event. Unknown event types
// are logged and skipped; a malformed payload is an error but the caller
// keeps the connection open.
func (d *Dispatcher) HandleEvent(ctx context.Context, event Event) error {
	var payload enginePayload
	if event.Data != "" {
		if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
			return fmt.Errorf("malformed %s payload: %w", event.Type, err)
		}
	}

	switch event.Type {
	case EventTaskStarted:
		return d.updateTask(ctx, payload, workflow.TaskPatch{
			Status:    statusPtr(workflow.TaskInProgress),
			StartedAt: payload.StartedAt,
			HandlerID: strPtrOrNil(payload.HandlerID),
		})
	case EventTaskProgress:
		// Progress updates carry partial output only; no transition.
		return d.updateTask(ctx, payload, workflow.TaskPatch{
			Output: payload.Output,
		})
	case EventTaskWaiting:
		return d.updateTask(ctx, payload, workflow.TaskPatch{
			Status: statusPtr(workflow.TaskWaiting),
		})
	case EventTaskCompleted:
		return d.updateTask(ctx, payload, workflow.TaskPatch{
			Status:      statusPtr(workflow.TaskCompleted),
			CompleterID: strPtrOrNil(payload.CompleterID),
			Output:      payload.Output,
		})
	case EventTaskFailed:
		return d.updateTask(ctx, payload, workflow.TaskPatch{
			Status:   statusPtr(workflow.TaskFailed),
			ErrorLog: strPtrOrNil(payload.Error),
		})
	case EventWorkflowCompleted:
		return d.updateWorkflow(ctx, payload, workflow.ExecutionPatch{
			Status:      executionStatusPtr(workflow.ExecutionCompleted),
			CompleterID: strPtrOrNil(payload.CompleterID),
			Result:      payload.Result,
		})
	case EventWorkflowFailed:
		return d.updateWorkflow(ctx, payload, workflow.ExecutionPatch{
			Status:   executionStatusPtr(workflow.ExecutionFailed),
			ErrorLog: strPtrOrNil(payload.Error),
		})
	default:
		log.Debug(log.CatStream, "ignoring unknown engine event", "eventType", event.Type)
		return nil
	}
}

func (d *Dispatcher) updateTask(ctx context.Context, payload enginePayload, patch workflow.TaskPatch) error {
	if payload.TaskID == "" {
		return fmt.Errorf("engine event missing task_id")
	}
	_, err := d.svc.UpdateAgentTask(ctx, workflow.TaskID(payload.TaskID), patch)
	return err
}

func (d *Dispatcher) updateWorkflow(ctx context.Context, payload enginePayload, patch workflow.ExecutionPatch) error {
	if payload.ExecutionID == "" {
		return fmt.Errorf("engine event missing execution_id")
	}
	_, err := d.svc.UpdateWorkflow(ctx, workflow.ExecutionID(payload.ExecutionID), patch)
	return err
}

func statusPtr(s workflow.TaskStatus) *workflow.TaskStatus { return &s }

func executionStatusPtr(s workflow.ExecutionStatus) *workflow.ExecutionStatus { return &s }

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
