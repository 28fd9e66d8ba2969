// ABOUTME: Inter-agent message passing, broadcast and shared context
// ABOUTME: Coordinator is the only path agents use to talk to each other

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/grulabs/gru/internal/store"
)

// Coordinator routes messages between agents and manages per-task shared
// context. All state lives in the store; the coordinator itself is stateless
// and safe for concurrent use.
type Coordinator struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Coordinator backed by the given store.
func New(st store.Store) *Coordinator {
	return &Coordinator{
		store:  st,
		logger: slog.Default().With("component", "coordinator"),
	}
}

// SendMessage delivers a message to an agent's inbox and returns the
// message ID. fromAgent is empty for system-originated messages.
func (c *Coordinator) SendMessage(ctx context.Context, fromAgent, toAgent, content, messageType, taskID string, metadata map[string]any) (string, error) {
	msg := &store.AgentMessage{
		ID:        uuid.NewString()[:8],
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		TaskID:    taskID,
		Type:      messageType,
		Content:   content,
		Metadata:  metadata,
	}
	if err := c.store.SendAgentMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	c.logger.Debug("message sent", "id", msg.ID, "from", fromAgent, "to", toAgent, "type", msg.Type)
	return msg.ID, nil
}

// GetMessages returns an agent's messages in delivery order.
func (c *Coordinator) GetMessages(ctx context.Context, agentID string, unreadOnly bool) ([]*store.AgentMessage, error) {
	return c.store.GetAgentMessages(ctx, agentID, unreadOnly)
}

// MarkRead flags a message as read. Unknown IDs are a no-op.
func (c *Coordinator) MarkRead(ctx context.Context, messageID string) error {
	return c.store.MarkMessageRead(ctx, messageID)
}

// Broadcast sends content to every agent working on the task or one of its
// direct subtasks, skipping the sender and anything in exclude. Returns the
// IDs of the messages sent.
func (c *Coordinator) Broadcast(ctx context.Context, fromAgent, content, taskID string, exclude []string) ([]string, error) {
	agentIDs, err := c.store.TaskAgentIDs(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("resolving broadcast audience: %w", err)
	}

	excluded := make(map[string]bool, len(exclude)+1)
	excluded[fromAgent] = true
	for _, id := range exclude {
		excluded[id] = true
	}

	var messageIDs []string
	for _, agentID := range agentIDs {
		if excluded[agentID] {
			continue
		}
		msgID, err := c.SendMessage(ctx, fromAgent, agentID, content, store.MessageTypeInfo, taskID, nil)
		if err != nil {
			return messageIDs, err
		}
		messageIDs = append(messageIDs, msgID)
	}

	c.logger.Info("broadcast sent", "from", fromAgent, "task_id", taskID, "recipients", len(messageIDs))
	return messageIDs, nil
}

// RequestHandoff asks another agent to take over a task. The accumulated
// context travels as message metadata.
func (c *Coordinator) RequestHandoff(ctx context.Context, fromAgent, toAgent, taskID string, handoffContext map[string]any) (string, error) {
	content := fmt.Sprintf("Handoff request for task %s", taskID)
	return c.SendMessage(ctx, fromAgent, toAgent, content, store.MessageTypeHandoff, taskID, handoffContext)
}

// SetContext stores a shared context value for a task.
func (c *Coordinator) SetContext(ctx context.Context, taskID, key string, value any, agentID string) error {
	return c.store.SetSharedContext(ctx, taskID, key, value, agentID)
}

// GetContext returns a single context value, or nil when the key is absent.
func (c *Coordinator) GetContext(ctx context.Context, taskID, key string) (any, error) {
	all, err := c.store.GetSharedContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return all[key], nil
}

// GetAllContext returns the full shared context map for a task. A task with
// no context yields an empty map.
func (c *Coordinator) GetAllContext(ctx context.Context, taskID string) (map[string]any, error) {
	return c.store.GetSharedContext(ctx, taskID)
}

// ResolveAgent maps an identifier to an agent ID, trying direct ID lookup
// first, then name lookup among non-terminal agents. Returns
// store.ErrNotFound when neither matches.
func (c *Coordinator) ResolveAgent(ctx context.Context, identifier string) (string, error) {
	agent, err := c.store.GetAgent(ctx, identifier)
	if err == nil {
		return agent.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	agent, err = c.store.ResolveAgentByName(ctx, identifier)
	if err != nil {
		return "", err
	}
	return agent.ID, nil
}

// Notify delivers a system-originated message to an agent's inbox.
func (c *Coordinator) Notify(ctx context.Context, agentID, content string) (string, error) {
	return c.SendMessage(ctx, "", agentID, content, store.MessageTypeInfo, "", nil)
}
