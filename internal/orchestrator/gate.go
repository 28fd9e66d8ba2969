// ABOUTME: Approval gate between supervised agents and side-effecting tool calls
// ABOUTME: With no operator policy configured the gate auto-approves (fails open)

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/grulabs/gru/internal/config"
	"github.com/grulabs/gru/internal/store"
)

// Gate intercepts tool requests from supervised agents. Under the operator
// policy each request persists a pending Approval and blocks the requesting
// turn until Resolve is called; under the none policy requests auto-approve.
type Gate struct {
	store  store.Store
	policy string
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan bool
}

// NewGate creates a Gate with the configured approval policy.
func NewGate(st store.Store, policy string) *Gate {
	return &Gate{
		store:   st,
		policy:  policy,
		logger:  slog.Default().With("component", "gate"),
		waiters: make(map[string]chan bool),
	}
}

// Request gates one tool call for a supervised agent. Returns whether the
// action was approved. Blocks until an operator resolves the approval or
// ctx is done; with no operator policy it approves immediately.
func (g *Gate) Request(ctx context.Context, agentID, actionType string, details map[string]any) (bool, error) {
	if g.policy != config.ApprovalPolicyOperator {
		g.logger.Debug("auto-approving tool request", "agent_id", agentID, "action", actionType)
		return true, nil
	}

	approval := &store.Approval{
		ID:            uuid.NewString()[:8],
		AgentID:       agentID,
		ActionType:    actionType,
		ActionDetails: details,
	}
	if err := g.store.CreateApproval(ctx, approval); err != nil {
		return false, fmt.Errorf("creating approval: %w", err)
	}

	decision := make(chan bool, 1)
	g.mu.Lock()
	g.waiters[approval.ID] = decision
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiters, approval.ID)
		g.mu.Unlock()
	}()

	g.logger.Info("approval pending", "id", approval.ID, "agent_id", agentID, "action", actionType)

	select {
	case approved := <-decision:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve records an operator decision and releases the suspended turn.
// Returns store.ErrNotFound when the approval doesn't exist or was already
// resolved.
func (g *Gate) Resolve(ctx context.Context, id string, approved bool) error {
	status := store.ApprovalStatusRejected
	if approved {
		status = store.ApprovalStatusApproved
	}

	if err := g.store.ResolveApproval(ctx, id, status); err != nil {
		return err
	}

	g.mu.Lock()
	decision, ok := g.waiters[id]
	g.mu.Unlock()
	if ok {
		decision <- approved
	}

	return nil
}

// Pending lists all unresolved approvals for operator review.
func (g *Gate) Pending(ctx context.Context) ([]*store.Approval, error) {
	return g.store.ListPendingApprovals(ctx)
}
