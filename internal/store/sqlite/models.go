package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tendril-app/tendril/internal/workflow"
)

// executionModel represents the database row for the workflow_executions
// table. Time columns use Unix timestamps; map columns are JSON encoded.
type executionModel struct {
	ID          string
	ProjectID   string
	Status      string
	Config      *string // nullable, JSON encoded
	StartedAt   int64   // Unix timestamp
	UpdatedAt   int64   // Unix timestamp
	CompletedAt *int64  // Unix timestamp, nullable
	InitiatorID string
	HandlerID   string
	CompleterID string
	ErrorLog    string
	Result      *string // nullable, JSON encoded
}

// taskModel represents the database row for the agent_tasks table.
type taskModel struct {
	ID                   string
	ExecutionID          string
	Agent                string
	SequenceOrder        int
	Status               string
	StartedAt            *int64 // Unix timestamp, nullable
	CompletedAt          *int64 // Unix timestamp, nullable
	ExecutionTimeSeconds *int64 // nullable
	Input                *string
	Output               *string
	ErrorLog             string
	Config               *string
	HandlerID            string
	CompleterID          string
}

// toExecutionModel converts a domain execution to a database row.
func toExecutionModel(e *workflow.WorkflowExecution) (*executionModel, error) {
	m := &executionModel{
		ID:          e.ID.String(),
		ProjectID:   e.ProjectID,
		Status:      string(e.Status),
		StartedAt:   e.StartedAt.Unix(),
		UpdatedAt:   e.UpdatedAt.Unix(),
		InitiatorID: e.InitiatorID,
		HandlerID:   e.HandlerID,
		CompleterID: e.CompleterID,
		ErrorLog:    e.ErrorLog,
	}
	if e.CompletedAt != nil {
		completed := e.CompletedAt.Unix()
		m.CompletedAt = &completed
	}
	var err error
	if m.Config, err = encodeMap(e.Config); err != nil {
		return nil, fmt.Errorf("encoding execution config: %w", err)
	}
	if m.Result, err = encodeMap(e.Result); err != nil {
		return nil, fmt.Errorf("encoding execution result: %w", err)
	}
	return m, nil
}

// toDomain converts a database row back to a domain execution.
func (m *executionModel) toDomain() (*workflow.WorkflowExecution, error) {
	e := &workflow.WorkflowExecution{
		ID:          workflow.ExecutionID(m.ID),
		ProjectID:   m.ProjectID,
		Status:      workflow.ExecutionStatus(m.Status),
		StartedAt:   time.Unix(m.StartedAt, 0).UTC(),
		UpdatedAt:   time.Unix(m.UpdatedAt, 0).UTC(),
		InitiatorID: m.InitiatorID,
		HandlerID:   m.HandlerID,
		CompleterID: m.CompleterID,
		ErrorLog:    m.ErrorLog,
	}
	if m.CompletedAt != nil {
		completed := time.Unix(*m.CompletedAt, 0).UTC()
		e.CompletedAt = &completed
	}
	var err error
	if e.Config, err = decodeMap(m.Config); err != nil {
		return nil, fmt.Errorf("decoding execution config: %w", err)
	}
	if e.Result, err = decodeMap(m.Result); err != nil {
		return nil, fmt.Errorf("decoding execution result: %w", err)
	}
	return e, nil
}

// toTaskModel converts a domain task to a database row.
func toTaskModel(t *workflow.AgentTask) (*taskModel, error) {
	m := &taskModel{
		ID:            t.ID.String(),
		ExecutionID:   t.ExecutionID.String(),
		Agent:         t.Agent,
		SequenceOrder: t.SequenceOrder,
		Status:        string(t.Status),
		ErrorLog:      t.ErrorLog,
		HandlerID:     t.HandlerID,
		CompleterID:   t.CompleterID,
	}
	if t.StartedAt != nil {
		started := t.StartedAt.Unix()
		m.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := t.CompletedAt.Unix()
		m.CompletedAt = &completed
	}
	if t.ExecutionTimeSeconds != nil {
		seconds := *t.ExecutionTimeSeconds
		m.ExecutionTimeSeconds = &seconds
	}
	var err error
	if m.Input, err = encodeMap(t.Input); err != nil {
		return nil, fmt.Errorf("encoding task input: %w", err)
	}
	if m.Output, err = encodeMap(t.Output); err != nil {
		return nil, fmt.Errorf("encoding task output: %w", err)
	}
	if m.Config, err = encodeMap(t.Config); err != nil {
		return nil, fmt.Errorf("encoding task config: %w", err)
	}
	return m, nil
}

// toDomain converts a database row back to a domain task.
func (m *taskModel) toDomain() (*workflow.AgentTask, error) {
	t := &workflow.AgentTask{
		ID:            workflow.TaskID(m.ID),
		ExecutionID:   workflow.ExecutionID(m.ExecutionID),
		Agent:         m.Agent,
		SequenceOrder: m.SequenceOrder,
		Status:        workflow.TaskStatus(m.Status),
		ErrorLog:      m.ErrorLog,
		HandlerID:     m.HandlerID,
		CompleterID:   m.CompleterID,
	}
	if m.StartedAt != nil {
		started := time.Unix(*m.StartedAt, 0).UTC()
		t.StartedAt = &started
	}
	if m.CompletedAt != nil {
		completed := time.Unix(*m.CompletedAt, 0).UTC()
		t.CompletedAt = &completed
	}
	if m.ExecutionTimeSeconds != nil {
		seconds := *m.ExecutionTimeSeconds
		t.ExecutionTimeSeconds = &seconds
	}
	var err error
	if t.Input, err = decodeMap(m.Input); err != nil {
		return nil, fmt.Errorf("decoding task input: %w", err)
	}
	if t.Output, err = decodeMap(m.Output); err != nil {
		return nil, fmt.Errorf("decoding task output: %w", err)
	}
	if t.Config, err = decodeMap(m.Config); err != nil {
		return nil, fmt.Errorf("decoding task config: %w", err)
	}
	return t, nil
}

func encodeMap(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodeMap(s *string) (map[string]any, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
