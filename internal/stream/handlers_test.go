package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendril-app/tendril/internal/workflow"
)

// recordingService captures the patches the dispatcher produces.
type recordingService struct {
	taskID    workflow.TaskID
	taskPatch workflow.TaskPatch
	taskCalls int
	execID    workflow.ExecutionID
	execPatch workflow.ExecutionPatch
	execCalls int
}

func (r *recordingService) UpdateAgentTask(_ context.Context, id workflow.TaskID, patch workflow.TaskPatch) (*workflow.AgentTask, error) {
	r.taskID = id
	r.taskPatch = patch
	r.taskCalls++
	return &workflow.AgentTask{ID: id}, nil
}

func (r *recordingService) UpdateWorkflow(_ context.Context, id workflow.ExecutionID, patch workflow.ExecutionPatch) (*workflow.WorkflowExecution, error) {
	r.execID = id
	r.execPatch = patch
	r.execCalls++
	return &workflow.WorkflowExecution{ID: id}, nil
}

func TestDispatcher_TaskStarted(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	startedAt := time.Unix(1756600000, 0).UTC()
	err := d.HandleEvent(context.Background(), Event{
		Type: EventTaskStarted,
		ID:   "evt-1",
		Data: `{"task_id":"task-1","execution_id":"exec-1","handler_id":"engine-7","started_at":"2025-08-31T00:26:40Z"}`,
	})
	require.NoError(t, err)

	require.Equal(t, 1, svc.taskCalls)
	require.Equal(t, workflow.TaskID("task-1"), svc.taskID)
	require.NotNil(t, svc.taskPatch.Status)
	require.Equal(t, workflow.TaskInProgress, *svc.taskPatch.Status)
	require.NotNil(t, svc.taskPatch.StartedAt)
	require.Equal(t, startedAt, svc.taskPatch.StartedAt.UTC())
	require.NotNil(t, svc.taskPatch.HandlerID)
	require.Equal(t, "engine-7", *svc.taskPatch.HandlerID)
}

func TestDispatcher_TaskProgressCarriesOutputOnly(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{
		Type: EventTaskProgress,
		Data: `{"task_id":"task-1","output":{"tokens":42}}`,
	})
	require.NoError(t, err)

	require.Nil(t, svc.taskPatch.Status, "progress must not transition the task")
	require.Equal(t, map[string]any{"tokens": float64(42)}, svc.taskPatch.Output)
}

func TestDispatcher_TaskWaiting(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{
		Type: EventTaskWaiting,
		Data: `{"task_id":"task-1"}`,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.TaskWaiting, *svc.taskPatch.Status)
}

func TestDispatcher_TaskCompleted(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{
		Type: EventTaskCompleted,
		Data: `{"task_id":"task-1","completer_id":"engine-7","output":{"summary":"done"}}`,
	})
	require.NoError(t, err)

	require.Equal(t, workflow.TaskCompleted, *svc.taskPatch.Status)
	require.Equal(t, "engine-7", *svc.taskPatch.CompleterID)
	require.Equal(t, map[string]any{"summary": "done"}, svc.taskPatch.Output)
}

func TestDispatcher_TaskFailed(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{
		Type: EventTaskFailed,
		Data: `{"task_id":"task-1","error":"model timed out"}`,
	})
	require.NoError(t, err)

	require.Equal(t, workflow.TaskFailed, *svc.taskPatch.Status)
	require.Equal(t, "model timed out", *svc.taskPatch.ErrorLog)
}

func TestDispatcher_WorkflowCompleted(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{
		Type: EventWorkflowCompleted,
		Data: `{"execution_id":"exec-1","completer_id":"engine-7","result":{"score":0.9}}`,
	})
	require.NoError(t, err)

	require.Equal(t, 1, svc.execCalls)
	require.Zero(t, svc.taskCalls)
	require.Equal(t, workflow.ExecutionID("exec-1"), svc.execID)
	require.Equal(t, workflow.ExecutionCompleted, *svc.execPatch.Status)
	require.Equal(t, map[string]any{"score": 0.9}, svc.execPatch.Result)
}

func TestDispatcher_WorkflowFailed(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{
		Type: EventWorkflowFailed,
		Data: `{"execution_id":"exec-1","error":"engine crashed"}`,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionFailed, *svc.execPatch.Status)
	require.Equal(t, "engine crashed", *svc.execPatch.ErrorLog)
}

func TestDispatcher_MalformedPayload(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{
		Type: EventTaskCompleted,
		Data: `{not json`,
	})
	require.Error(t, err)
	require.Zero(t, svc.taskCalls)
}

func TestDispatcher_MissingIdentifiers(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{Type: EventTaskStarted, Data: `{}`})
	require.ErrorContains(t, err, "task_id")

	err = d.HandleEvent(context.Background(), Event{Type: EventWorkflowFailed, Data: `{}`})
	require.ErrorContains(t, err, "execution_id")
	require.Zero(t, svc.taskCalls)
	require.Zero(t, svc.execCalls)
}

func TestDispatcher_UnknownTypeSkipped(t *testing.T) {
	svc := &recordingService{}
	d := NewDispatcher(svc)

	err := d.HandleEvent(context.Background(), Event{Type: "engine.heartbeat", Data: `{}`})
	require.NoError(t, err)
	require.Zero(t, svc.taskCalls)
	require.Zero(t, svc.execCalls)
}
