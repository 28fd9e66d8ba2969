// ABOUTME: The agent run loop: checkpoint, model call, tool dispatch, repeat
// ABOUTME: Pause and terminate requests are observed only at turn checkpoints

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/grulabs/gru/internal/config"
	"github.com/grulabs/gru/internal/model"
	"github.com/grulabs/gru/internal/sandbox"
	"github.com/grulabs/gru/internal/store"
)

const systemPrompt = `You are an autonomous agent working on a task. Use the available tools to complete it. When the task is done, reply with a summary and stop requesting tools.`

// toolDefinitions describes the sandbox tools offered to the model.
func toolDefinitions() []model.ToolDefinition {
	stringProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	schema := func(required []string, props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props, "required": required}
	}

	return []model.ToolDefinition{
		{
			Name:        "bash",
			Description: "Run a shell command in the working directory.",
			InputSchema: schema([]string{"command"}, map[string]any{
				"command": stringProp("The shell command to run"),
			}),
		},
		{
			Name:        "read_file",
			Description: "Read a file relative to the working directory.",
			InputSchema: schema([]string{"path"}, map[string]any{
				"path": stringProp("Relative path of the file to read"),
			}),
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file relative to the working directory.",
			InputSchema: schema([]string{"path", "content"}, map[string]any{
				"path":    stringProp("Relative path of the file to write"),
				"content": stringProp("Full contents to write"),
			}),
		},
		{
			Name:        "search_files",
			Description: "Glob for files under the working directory.",
			InputSchema: schema([]string{"pattern"}, map[string]any{
				"pattern": stringProp("Glob pattern, e.g. *.go"),
				"subpath": stringProp("Subdirectory to search under (optional)"),
			}),
		},
	}
}

// runAgent drives one agent from admission to a terminal state. Errors from
// the model or tool dispatch mark the agent failed; nothing propagates to
// the caller.
func (o *Orchestrator) runAgent(handle *Handle) {
	ctx := o.baseCtx
	logger := o.logger.With("agent_id", handle.ID)

	defer o.scheduler.Release()
	defer o.registry.Unregister(handle.ID)

	agent, err := o.store.GetAgent(ctx, handle.ID)
	if err != nil {
		logger.Error("loading agent for run", "error", err)
		return
	}

	if err := o.setStatus(ctx, agent.ID, store.AgentStatusRunning); err != nil {
		logger.Error("marking agent running", "error", err)
		return
	}
	logger.Info("agent started", "task", agent.Task, "model", agent.Model)

	conversation := []model.Message{model.TextMessage("user", agent.Task)}
	if err := o.store.AddConversationMessage(ctx, agent.ID, "user", agent.Task); err != nil {
		logger.Warn("persisting task message", "error", err)
	}

	for {
		if done := o.checkpoint(ctx, agent, handle, &conversation); done {
			return
		}

		resp, err := o.callModel(ctx, agent, conversation)
		if handle.isTerminated() {
			// Terminate already persisted the terminal status; the model's
			// answer is discarded.
			logger.Info("agent terminated during model call")
			return
		}
		if err != nil {
			o.fail(ctx, agent.ID, err)
			return
		}

		conversation = append(conversation, model.Message{Role: "assistant", Content: resp.Content})
		if text := resp.Text(); text != "" {
			if err := o.store.AddConversationMessage(ctx, agent.ID, "assistant", text); err != nil {
				logger.Warn("persisting assistant message", "error", err)
			}
		}

		toolUses := resp.ToolUses()
		if resp.StopReason != model.StopReasonToolUse || len(toolUses) == 0 {
			o.setStatus(ctx, agent.ID, store.AgentStatusCompleted)
			logger.Info("agent completed")
			return
		}

		results := make([]model.ContentBlock, 0, len(toolUses))
		for _, use := range toolUses {
			result, err := o.executeToolUse(ctx, agent, use)
			if err != nil {
				o.fail(ctx, agent.ID, err)
				return
			}
			results = append(results, model.ContentBlock{
				Type:      model.ContentTypeToolResult,
				ToolUseID: use.ID,
				Content:   result,
			})
		}
		conversation = append(conversation, model.Message{Role: "user", Content: results})
	}
}

// checkpoint is the turn boundary: the run loop exits here after a
// terminate, parks while paused, and picks up queued nudges and coordinator
// messages. Pause, resume and terminate persist their status at request
// time; the checkpoint only honors the flags. Returns true when the run
// loop should exit.
func (o *Orchestrator) checkpoint(ctx context.Context, agent *store.Agent, handle *Handle, conversation *[]model.Message) bool {
	logger := o.logger.With("agent_id", agent.ID)

	for {
		if handle.isTerminated() {
			logger.Info("run loop stopped after terminate")
			return true
		}
		if ctx.Err() != nil {
			// Shutdown: the request context is gone, so persist with a
			// fresh one.
			o.setStatus(context.Background(), agent.ID, store.AgentStatusTerminated)
			return true
		}
		if !handle.isPaused() {
			break
		}

		logger.Info("run loop parked")
		select {
		case <-handle.wake:
		case <-ctx.Done():
		}
	}

	for _, nudge := range handle.drainNudges() {
		*conversation = append(*conversation, model.TextMessage("user", nudge))
		if err := o.store.AddConversationMessage(ctx, agent.ID, "user", nudge); err != nil {
			logger.Warn("persisting nudge", "error", err)
		}
	}

	msgs, err := o.coordinator.GetMessages(ctx, agent.ID, true)
	if err != nil {
		logger.Warn("fetching coordinator messages", "error", err)
		return false
	}
	for _, msg := range msgs {
		sender := msg.FromAgent
		if sender == "" {
			sender = "system"
		}
		text := fmt.Sprintf("Message from %s: %s", sender, msg.Content)
		*conversation = append(*conversation, model.TextMessage("user", text))
		if err := o.store.AddConversationMessage(ctx, agent.ID, "user", text); err != nil {
			logger.Warn("persisting coordinator message", "error", err)
		}
		if err := o.coordinator.MarkRead(ctx, msg.ID); err != nil {
			logger.Warn("marking message read", "error", err)
		}
	}

	return false
}

// callModel sends the conversation, applying the agent's timeout mode. In
// strict mode a call exceeding the default timeout fails the agent; in
// block mode the call waits as long as it takes.
func (o *Orchestrator) callModel(ctx context.Context, agent *store.Agent, conversation []model.Message) (*model.Response, error) {
	callCtx := ctx
	if agent.TimeoutMode == config.TimeoutModeStrict {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.Agents.DefaultTimeout)
		defer cancel()
	}

	resp, err := o.model.Send(callCtx, &model.Request{
		Model:     agent.Model,
		MaxTokens: o.cfg.Model.MaxTokens,
		System:    systemPrompt,
		Messages:  conversation,
		Tools:     toolDefinitions(),
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("model call exceeded %s timeout", o.cfg.Agents.DefaultTimeout)
	}
	return resp, err
}

// executeToolUse routes one tool request through the approval gate and the
// sandbox. Tool-level problems come back as result strings; only gate
// infrastructure failures return an error.
func (o *Orchestrator) executeToolUse(ctx context.Context, agent *store.Agent, use model.ContentBlock) (string, error) {
	tool, err := sandbox.ParseTool(use.Name, use.Input)
	if err != nil {
		return err.Error(), nil
	}

	if agent.Supervised {
		approved, err := o.gate.Request(ctx, agent.ID, use.Name, use.Input)
		if err != nil {
			return "", fmt.Errorf("approval gate: %w", err)
		}
		if !approved {
			return "Action rejected by operator", nil
		}
	}

	return o.sandbox.Execute(ctx, tool, agent.Workdir)
}

// fail marks an agent failed, recording the error message verbatim.
func (o *Orchestrator) fail(ctx context.Context, agentID string, cause error) {
	status := store.AgentStatusFailed
	errMsg := cause.Error()
	if err := o.store.UpdateAgent(ctx, agentID, store.AgentUpdate{Status: &status, Error: &errMsg}); err != nil {
		o.logger.Error("persisting agent failure", "agent_id", agentID, "error", err)
	}
	o.logger.Error("agent failed", "agent_id", agentID, "cause", errMsg)
}

func (o *Orchestrator) setStatus(ctx context.Context, agentID, status string) error {
	return o.store.UpdateAgent(ctx, agentID, store.AgentUpdate{Status: &status})
}
