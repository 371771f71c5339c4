package bus

import (
	"time"

	"github.com/tendril-app/tendril/internal/workflow"
)

// Kind identifies what entity a notification refers to.
type Kind string

const (
	// KindWorkflow signals a workflow execution changed.
	KindWorkflow Kind = "workflow"
	// KindTask signals an agent task changed.
	KindTask Kind = "task"
	// KindUser signals a personal notification for a single user.
	KindUser Kind = "user"
)

// Notification is the payload carried across the bus. It is intentionally
// thin: it names the entity that changed, never the entity's state.
// Subscribers re-read the authoritative store, so a stale or duplicated
// notification costs an extra read instead of delivering stale data.
type Notification struct {
	Topic       string    `json:"topic"`
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionTopic is the topic carrying changes for a single workflow
// execution and its tasks.
func ExecutionTopic(id workflow.ExecutionID) string {
	return "execution:" + id.String()
}

// ProjectTopic is the topic carrying workflow-level changes for a project.
func ProjectTopic(projectID string) string {
	return "project:" + projectID
}

// UserTopic is the personal topic for a single user. Subscriptions to it
// are restricted to the authenticated user (see gateway).
func UserTopic(userID string) string {
	return "user:" + userID
}

// WorkflowChanged builds the notification published after a workflow
// execution is committed.
func WorkflowChanged(exec *workflow.WorkflowExecution, now time.Time) Notification {
	return Notification{
		Topic:       ExecutionTopic(exec.ID),
		Kind:        KindWorkflow,
		ID:          exec.ID.String(),
		ExecutionID: exec.ID.String(),
		ProjectID:   exec.ProjectID,
		Timestamp:   now,
	}
}

// TaskChanged builds the notification published after an agent task is
// committed.
func TaskChanged(task *workflow.AgentTask, projectID string, now time.Time) Notification {
	return Notification{
		Topic:       ExecutionTopic(task.ExecutionID),
		Kind:        KindTask,
		ID:          task.ID.String(),
		ExecutionID: task.ExecutionID.String(),
		ProjectID:   projectID,
		Timestamp:   now,
	}
}

// UserNotified builds a personal notification for a single user.
func UserNotified(userID, refID string, now time.Time) Notification {
	return Notification{
		Topic:     UserTopic(userID),
		Kind:      KindUser,
		ID:        refID,
		UserID:    userID,
		Timestamp: now,
	}
}
