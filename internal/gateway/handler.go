package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tendril-app/tendril/internal/bus"
	"github.com/tendril-app/tendril/internal/log"
	"github.com/tendril-app/tendril/internal/orchestrator"
	"github.com/tendril-app/tendril/internal/store"
	"github.com/tendril-app/tendril/internal/workflow"
)

// HeartbeatInterval is how often SSE streams emit a keep-alive comment.
const HeartbeatInterval = 30 * time.Second

// identityHeader carries the authenticated caller set by the outer auth
// layer. Authentication itself is out of scope here.
const identityHeader = "X-User-ID"

// Handler provides the HTTP endpoints.
type Handler struct {
	svc       *orchestrator.Service
	gateway   *Gateway
	heartbeat time.Duration

	mu        sync.RWMutex
	templates []workflow.Template
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Service performs all mutations (required).
	Service *orchestrator.Service
	// Gateway serves the live streams (required).
	Gateway *Gateway
	// Templates are the loadable pipeline templates (optional).
	Templates []workflow.Template
	// Heartbeat overrides HeartbeatInterval, mainly for tests.
	Heartbeat time.Duration
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	heartbeat := cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = HeartbeatInterval
	}
	return &Handler{
		svc:       cfg.Service,
		gateway:   cfg.Gateway,
		templates: cfg.Templates,
		heartbeat: heartbeat,
	}
}

// SetTemplates replaces the loadable templates, e.g. after the user
// template directory changed on disk.
func (h *Handler) SetTemplates(templates []workflow.Template) {
	h.mu.Lock()
	h.templates = templates
	h.mu.Unlock()
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Templates
	mux.HandleFunc("GET /templates", h.ListTemplates)

	// Projects
	mux.HandleFunc("POST /projects", h.CreateProject)
	mux.HandleFunc("GET /projects/{id}/stats", h.ProjectStats)

	// Workflow CRUD
	mux.HandleFunc("POST /workflows", h.CreateWorkflow)
	mux.HandleFunc("GET /workflows", h.ListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("PATCH /workflows/{id}", h.UpdateWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", h.DeleteWorkflow)

	// Tasks
	mux.HandleFunc("POST /workflows/{id}/tasks", h.CreateTask)
	mux.HandleFunc("GET /workflows/{id}/tasks", h.ListTasks)
	mux.HandleFunc("GET /workflows/{id}/next-task", h.NextTask)
	mux.HandleFunc("GET /tasks/{id}", h.GetTask)
	mux.HandleFunc("PATCH /tasks/{id}", h.UpdateTask)
	mux.HandleFunc("POST /tasks/{id}/reset", h.ResetTask)

	// Event streaming
	mux.HandleFunc("GET /workflows/{id}/events", h.StreamWorkflowEvents)
	mux.HandleFunc("GET /projects/{id}/events", h.StreamProjectEvents)
	mux.HandleFunc("GET /notifications", h.StreamNotifications)

	// Health check
	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// === Request/Response Types ===

// CreateProjectRequest is the request body for registering a project.
type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// CreateWorkflowRequest is the request body for creating a workflow.
// Either Tasks or TemplateID supplies the task list; TemplateID wins.
type CreateWorkflowRequest struct {
	ProjectID  string                  `json:"project_id"`
	TemplateID string                  `json:"template_id,omitempty"`
	Config     map[string]any          `json:"config,omitempty"`
	Tasks      []orchestrator.TaskSpec `json:"tasks,omitempty"`
}

// WorkflowResponse is the response body for a single workflow with its
// tasks.
type WorkflowResponse struct {
	Workflow *workflow.WorkflowExecution `json:"workflow"`
	Tasks    []*workflow.AgentTask       `json:"tasks,omitempty"`
}

// ListWorkflowsResponse is the response body for listing workflows.
type ListWorkflowsResponse struct {
	Workflows []*workflow.WorkflowExecution `json:"workflows"`
	Total     int                           `json:"total"`
}

// UpdateWorkflowRequest is the request body for patching a workflow.
type UpdateWorkflowRequest struct {
	Status      *string        `json:"status,omitempty"`
	HandlerID   *string        `json:"handler_id,omitempty"`
	CompleterID *string        `json:"completer_id,omitempty"`
	ErrorLog    *string        `json:"error_log,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// CreateTaskRequest is the request body for adding a task.
type CreateTaskRequest struct {
	Agent         string         `json:"agent"`
	SequenceOrder int            `json:"sequence_order,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

// UpdateTaskRequest is the request body for patching a task.
type UpdateTaskRequest struct {
	Status      *string        `json:"status,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	HandlerID   *string        `json:"handler_id,omitempty"`
	CompleterID *string        `json:"completer_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	ErrorLog    *string        `json:"error_log,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// TemplateResponse is the response body for a single template.
type TemplateResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	Tasks       int    `json:"tasks"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// === Handlers ===

// ListTemplates returns the loadable pipeline templates.
// GET /templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	templates := h.templates
	h.mu.RUnlock()

	out := make([]TemplateResponse, 0, len(templates))
	for _, t := range templates {
		out = append(out, TemplateResponse{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Source:      t.Source.String(),
			Tasks:       len(t.Tasks),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": out, "total": len(out)})
}

// CreateProject registers a project.
// POST /projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.ID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "id is required")
		return
	}
	// Direct store write: project registration is bookkeeping, not
	// workflow state.
	if err := h.gateway.store.CreateProject(r.Context(), req.ID, req.Name); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// ProjectStats returns aggregate workflow counts and success rate.
// GET /projects/{id}/stats
func (h *Handler) ProjectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetWorkflowStats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// CreateWorkflow creates a workflow with its initial tasks.
// POST /workflows
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	tasks := req.Tasks
	config := req.Config
	if req.TemplateID != "" {
		tmpl, ok := h.findTemplate(req.TemplateID)
		if !ok {
			h.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("template %s not found", req.TemplateID))
			return
		}
		tasks = make([]orchestrator.TaskSpec, len(tmpl.Tasks))
		for i, spec := range tmpl.Tasks {
			tasks[i] = orchestrator.TaskSpec{Agent: spec.Agent, Input: spec.Input, Config: spec.Config}
		}
		if config == nil {
			config = tmpl.Config
		}
	}

	exec, created, err := h.svc.CreateWorkflow(r.Context(), orchestrator.CreateWorkflowRequest{
		ProjectID:   req.ProjectID,
		InitiatorID: r.Header.Get(identityHeader),
		Config:      config,
		Tasks:       tasks,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, WorkflowResponse{Workflow: exec, Tasks: created})
}

// ListWorkflows lists workflows, optionally filtered by project and status.
// GET /workflows?project_id=...&status=...&status=...
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	query := store.ListWorkflowsQuery{ProjectID: r.URL.Query().Get("project_id")}
	for _, s := range r.URL.Query()["status"] {
		query.Statuses = append(query.Statuses, workflow.ExecutionStatus(s))
	}

	workflows, err := h.svc.ListWorkflows(r.Context(), query)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListWorkflowsResponse{Workflows: workflows, Total: len(workflows)})
}

// GetWorkflow returns a workflow with its tasks.
// GET /workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflow.ExecutionID(r.PathValue("id"))

	exec, err := h.svc.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	tasks, err := h.svc.ListTasks(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, WorkflowResponse{Workflow: exec, Tasks: tasks})
}

// UpdateWorkflow patches workflow status/identities/result.
// PATCH /workflows/{id}
func (h *Handler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req UpdateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	patch := workflow.ExecutionPatch{
		HandlerID:   req.HandlerID,
		CompleterID: req.CompleterID,
		ErrorLog:    req.ErrorLog,
		Result:      req.Result,
	}
	if req.Status != nil {
		status := workflow.ExecutionStatus(*req.Status)
		patch.Status = &status
	}

	exec, err := h.svc.UpdateWorkflow(r.Context(), workflow.ExecutionID(r.PathValue("id")), patch)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, WorkflowResponse{Workflow: exec})
}

// DeleteWorkflow removes a workflow and its tasks.
// DELETE /workflows/{id}
func (h *Handler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteWorkflow(r.Context(), workflow.ExecutionID(r.PathValue("id"))); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateTask adds a task to an existing workflow.
// POST /workflows/{id}/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	task, err := h.svc.CreateAgentTask(r.Context(), orchestrator.CreateTaskRequest{
		ExecutionID:   workflow.ExecutionID(r.PathValue("id")),
		Agent:         req.Agent,
		SequenceOrder: req.SequenceOrder,
		Input:         req.Input,
		Config:        req.Config,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

// ListTasks returns the workflow's tasks in sequence order.
// GET /workflows/{id}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.ListTasks(r.Context(), workflow.ExecutionID(r.PathValue("id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

// NextTask returns the pending task with the lowest sequence order, or 204
// when the workflow has no pending work.
// GET /workflows/{id}/next-task
func (h *Handler) NextTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetNextTask(r.Context(), workflow.ExecutionID(r.PathValue("id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// GetTask returns a single task.
// GET /tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), workflow.TaskID(r.PathValue("id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// UpdateTask patches a task through the transition rules.
// PATCH /tasks/{id}
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	patch := workflow.TaskPatch{
		StartedAt:   req.StartedAt,
		HandlerID:   req.HandlerID,
		CompleterID: req.CompleterID,
		Input:       req.Input,
		Output:      req.Output,
		ErrorLog:    req.ErrorLog,
		Config:      req.Config,
	}
	if req.Status != nil {
		status := workflow.TaskStatus(*req.Status)
		patch.Status = &status
	}

	task, err := h.svc.UpdateAgentTask(r.Context(), workflow.TaskID(r.PathValue("id")), patch)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// ResetTask force-returns a task to OPEN for retry.
// POST /tasks/{id}/reset
func (h *Handler) ResetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.ResetAgentTask(r.Context(), workflow.TaskID(r.PathValue("id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// StreamWorkflowEvents streams updates for one workflow via SSE.
// GET /workflows/{id}/events
func (h *Handler) StreamWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id := workflow.ExecutionID(r.PathValue("id"))

	if _, err := h.svc.GetWorkflow(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.stream(w, r, Subscription{
		Topics:      []string{bus.ExecutionTopic(id)},
		ExecutionID: id.String(),
		Identity:    r.Header.Get(identityHeader),
	})
}

// StreamProjectEvents streams updates for all of a project's workflows.
// GET /projects/{id}/events
func (h *Handler) StreamProjectEvents(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	h.stream(w, r, Subscription{
		Topics:    []string{bus.ProjectTopic(projectID)},
		ProjectID: projectID,
		Identity:  r.Header.Get(identityHeader),
	})
}

// StreamNotifications streams the caller's personal notifications.
// GET /notifications
func (h *Handler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get(identityHeader)
	if identity == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "identity required for personal notifications")
		return
	}

	h.stream(w, r, Subscription{
		Topics:   []string{bus.UserTopic(identity)},
		Identity: identity,
	})
}

// Health returns daemon liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// === Helpers ===

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, sub Subscription) {
	updates, unsub, err := h.gateway.Subscribe(r.Context(), sub)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep-alive comment, not a real event.
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				log.ErrorErr(log.CatGateway, "failed to marshal update", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", eventName(update), update.Notification.ID, data)
			flusher.Flush()
		}
	}
}

func eventName(u Update) string {
	switch u.Kind {
	case bus.KindWorkflow:
		return "workflow.changed"
	case bus.KindTask:
		return "task.changed"
	default:
		return "notification"
	}
}

func (h *Handler) findTemplate(id string) (workflow.Template, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.templates {
		if t.ID == id {
			return t, true
		}
	}
	return workflow.Template{}, false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatGateway, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeDomainError maps domain errors onto HTTP status codes so callers
// see a clear not-found vs. validation distinction.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var validation *workflow.ValidationError
	var conflict *workflow.ConflictError

	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrTaskNotFound),
		errors.Is(err, workflow.ErrProjectNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &validation):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
