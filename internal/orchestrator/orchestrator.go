// ABOUTME: Orchestrator facade: spawn, lifecycle control, approvals and status
// ABOUTME: Owns the registry, scheduler, gate and sandbox; the store is the source of truth

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/grulabs/gru/internal/config"
	"github.com/grulabs/gru/internal/coordinator"
	"github.com/grulabs/gru/internal/model"
	"github.com/grulabs/gru/internal/sandbox"
	"github.com/grulabs/gru/internal/store"
)

// Orchestrator drives agent lifecycles: persisting agents and tasks,
// admitting them under the concurrency ceiling, and exposing the external
// control operations.
type Orchestrator struct {
	cfg         *config.Config
	store       store.Store
	coordinator *coordinator.Coordinator
	model       model.Client
	registry    *Registry
	scheduler   *Scheduler
	gate        *Gate
	sandbox     *sandbox.Sandbox
	logger      *slog.Logger

	baseCtx context.Context
}

// New creates an Orchestrator. Run loops started after Start use the
// context given there; until then they use the background context.
func New(cfg *config.Config, st store.Store, coord *coordinator.Coordinator, client model.Client) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		store:       st,
		coordinator: coord,
		model:       client,
		registry:    NewRegistry(),
		gate:        NewGate(st, cfg.Approval.Policy),
		sandbox:     sandbox.New(cfg.Agents.BashTimeout),
		logger:      slog.Default().With("component", "orchestrator"),
		baseCtx:     context.Background(),
	}
	o.scheduler = NewScheduler(cfg.Agents.MaxConcurrent, o.admit)
	return o
}

// Start binds run loops to ctx. Cancelling it terminates live agents at
// their next checkpoint.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx = ctx
}

// SpawnRequest describes a new agent to create. Workdir is optional; when
// empty the agent gets a directory under the data dir.
type SpawnRequest struct {
	Task         string
	Name         string
	Model        string
	Priority     string
	TimeoutMode  string
	Supervised   bool
	ParentTaskID string
	Workdir      string
}

// Spawn persists a new agent and its task, then submits it for admission.
// The agent starts running once a concurrency slot is available.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*store.Agent, error) {
	if req.Task == "" {
		return nil, fmt.Errorf("task is required")
	}

	agentID := uuid.NewString()[:8]
	modelName := req.Model
	if modelName == "" {
		modelName = o.cfg.Model.Default
	}
	timeoutMode := req.TimeoutMode
	if timeoutMode == "" {
		timeoutMode = o.cfg.Agents.DefaultTimeoutMode
	}

	workdir := req.Workdir
	if workdir == "" {
		workdir = filepath.Join(o.cfg.Data.Dir, "workdirs", agentID)
	}
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("creating workdir: %w", err)
	}

	agent := &store.Agent{
		ID:          agentID,
		Name:        req.Name,
		Task:        req.Task,
		Model:       modelName,
		Priority:    req.Priority,
		TimeoutMode: timeoutMode,
		Supervised:  req.Supervised,
		Workdir:     workdir,
	}
	if err := o.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	task := &store.Task{
		ID:           uuid.NewString()[:8],
		AgentID:      agentID,
		ParentTaskID: req.ParentTaskID,
		Priority:     agent.Priority,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	created, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading created agent: %w", err)
	}

	o.logger.Info("agent spawned", "agent_id", agentID, "priority", created.Priority, "supervised", created.Supervised)
	o.scheduler.Submit(agentID, task.PriorityScore)
	return created, nil
}

// SpawnFromTemplate spawns an agent using a stored template's task and
// priority.
func (o *Orchestrator) SpawnFromTemplate(ctx context.Context, templateName string, req SpawnRequest) (*store.Agent, error) {
	tmpl, err := o.store.GetTemplate(ctx, templateName)
	if err != nil {
		return nil, fmt.Errorf("loading template %q: %w", templateName, err)
	}

	req.Task = tmpl.Task
	if req.Priority == "" {
		req.Priority = tmpl.Priority
	}
	return o.Spawn(ctx, req)
}

// admit starts the run loop for an agent granted a concurrency slot.
func (o *Orchestrator) admit(agentID string) {
	handle := newHandle(agentID)
	if err := o.registry.Register(handle); err != nil {
		o.logger.Error("registering admitted agent", "agent_id", agentID, "error", err)
		o.scheduler.Release()
		return
	}
	go o.runAgent(handle)
}

// Get returns an agent's persisted row.
func (o *Orchestrator) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	return o.store.GetAgent(ctx, agentID)
}

// List returns agents, optionally filtered by status.
func (o *Orchestrator) List(ctx context.Context, statusFilter string) ([]*store.Agent, error) {
	return o.store.ListAgents(ctx, statusFilter)
}

// Pause marks a live agent paused. The status is persisted immediately;
// the run loop parks at its next checkpoint. Returns false when the agent
// is not live.
func (o *Orchestrator) Pause(ctx context.Context, agentID string) bool {
	handle, ok := o.registry.Get(agentID)
	if !ok {
		return false
	}
	handle.RequestPause()
	if err := o.setStatus(ctx, agentID, store.AgentStatusPaused); err != nil {
		o.logger.Error("persisting pause", "agent_id", agentID, "error", err)
	}
	o.logger.Info("agent paused", "agent_id", agentID)
	return true
}

// Resume clears a pause on a live agent. Succeeds only when the agent is
// currently paused.
func (o *Orchestrator) Resume(ctx context.Context, agentID string) bool {
	handle, ok := o.registry.Get(agentID)
	if !ok || !handle.isPaused() {
		return false
	}
	handle.RequestResume()
	if err := o.setStatus(ctx, agentID, store.AgentStatusRunning); err != nil {
		o.logger.Error("persisting resume", "agent_id", agentID, "error", err)
	}
	o.logger.Info("agent resumed", "agent_id", agentID)
	return true
}

// Terminate marks an agent terminated: the status is persisted and the
// registry entry removed immediately, while a running loop exits at its
// next checkpoint. Queued agents are removed from the scheduler outright.
// Returns false for unknown or already terminal agents.
func (o *Orchestrator) Terminate(ctx context.Context, agentID string) bool {
	if handle, ok := o.registry.Get(agentID); ok {
		handle.RequestTerminate()
		o.registry.Unregister(agentID)
		if err := o.setStatus(ctx, agentID, store.AgentStatusTerminated); err != nil {
			o.logger.Error("persisting terminate", "agent_id", agentID, "error", err)
		}
		o.logger.Info("agent terminated", "agent_id", agentID)
		return true
	}

	if o.scheduler.Remove(agentID) {
		o.setStatus(ctx, agentID, store.AgentStatusTerminated)
		o.logger.Info("queued agent terminated", "agent_id", agentID)
		return true
	}

	return false
}

// Nudge queues an instruction for a live agent, delivered at its next
// checkpoint. Returns false when the agent is not live.
func (o *Orchestrator) Nudge(agentID, content string) bool {
	handle, ok := o.registry.Get(agentID)
	if !ok {
		return false
	}
	handle.Nudge(content)
	o.logger.Info("nudge queued", "agent_id", agentID)
	return true
}

// Approve resolves a pending approval. Returns false when the approval
// doesn't exist or was already resolved.
func (o *Orchestrator) Approve(ctx context.Context, approvalID string, approved bool) bool {
	if err := o.gate.Resolve(ctx, approvalID, approved); err != nil {
		return false
	}
	return true
}

// PendingApprovals lists unresolved approvals.
func (o *Orchestrator) PendingApprovals(ctx context.Context) ([]*store.Approval, error) {
	return o.gate.Pending(ctx)
}

// SaveTemplate stores a reusable spawn recipe.
func (o *Orchestrator) SaveTemplate(ctx context.Context, tmpl *store.Template) error {
	return o.store.SaveTemplate(ctx, tmpl)
}

// ListTemplates returns all stored spawn templates.
func (o *Orchestrator) ListTemplates(ctx context.Context) ([]*store.Template, error) {
	return o.store.ListTemplates(ctx)
}

// DeleteTemplate removes a spawn template.
func (o *Orchestrator) DeleteTemplate(ctx context.Context, name string) error {
	return o.store.DeleteTemplate(ctx, name)
}

// Transcript returns an agent's persisted conversation history.
func (o *Orchestrator) Transcript(ctx context.Context, agentID string) ([]*store.ConversationEntry, error) {
	return o.store.GetConversation(ctx, agentID)
}

// Notify delivers a system message to an agent's inbox.
func (o *Orchestrator) Notify(ctx context.Context, agentID, content string) error {
	_, err := o.coordinator.Notify(ctx, agentID, content)
	return err
}

// Status summarizes agent counts and scheduler occupancy.
type Status struct {
	Counts  map[string]int `json:"counts"`
	Live    int            `json:"live"`
	Running int            `json:"running"`
	Queued  int            `json:"queued"`
	Max     int            `json:"max_concurrent"`
}

// Status reports agent counts by status plus scheduler occupancy.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	agents, err := o.store.ListAgents(ctx, "")
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, agent := range agents {
		counts[agent.Status]++
	}

	running, queued := o.scheduler.Stats()
	return &Status{
		Counts:  counts,
		Live:    o.registry.Count(),
		Running: running,
		Queued:  queued,
		Max:     o.cfg.Agents.MaxConcurrent,
	}, nil
}
