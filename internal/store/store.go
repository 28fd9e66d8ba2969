// ABOUTME: Store interface and row types for gru persistence
// ABOUTME: Defines Agent, Task, AgentMessage, Approval structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Agent status values. Completed, failed and terminated are terminal.
const (
	AgentStatusIdle       = "idle"
	AgentStatusRunning    = "running"
	AgentStatusPaused     = "paused"
	AgentStatusCompleted  = "completed"
	AgentStatusFailed     = "failed"
	AgentStatusTerminated = "terminated"
)

// IsTerminalStatus reports whether an agent in the given status will never run again.
func IsTerminalStatus(status string) bool {
	switch status {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		return true
	}
	return false
}

// MessageType constants for inter-agent messages
const (
	MessageTypeInfo     = "info"
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
	MessageTypeHandoff  = "handoff"
)

// Approval status values. An approval transitions from pending exactly once.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Priority labels and their derived admission scores
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// PriorityScore maps a priority label to its numeric admission score.
// Unknown labels score as normal.
func PriorityScore(priority string) int {
	switch priority {
	case PriorityLow:
		return 10
	case PriorityHigh:
		return 100
	default:
		return 50
	}
}

// Agent represents one unit of autonomous task execution.
// The row survives termination for audit; the live run loop handle does not.
type Agent struct {
	ID          string
	Name        string
	Task        string
	Model       string
	Status      string
	Supervised  bool
	TimeoutMode string
	Priority    string
	Workdir     string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task represents a unit of work owned by one agent. ParentTaskID forms a
// tree; a task's direct subtasks define its broadcast audience.
type Task struct {
	ID            string
	AgentID       string
	ParentTaskID  string // empty for root tasks
	Priority      string
	PriorityScore int
	Status        string
	CreatedAt     time.Time
}

// AgentMessage is one message on the coordination bus. Immutable after
// creation except for the read flag.
type AgentMessage struct {
	ID        string
	FromAgent string // empty for system-originated messages
	ToAgent   string
	TaskID    string // empty when not task-scoped
	Type      string
	Content   string
	Metadata  map[string]any // nil when absent
	Read      bool
	CreatedAt time.Time
}

// Approval is a pending or resolved operator decision on a supervised tool action.
type Approval struct {
	ID            string
	AgentID       string
	ActionType    string
	ActionDetails map[string]any
	Status        string
	CreatedAt     time.Time
}

// ConversationEntry is one message of an agent's persisted transcript.
type ConversationEntry struct {
	AgentID   string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Template is a reusable spawn recipe.
type Template struct {
	Name      string
	Task      string
	Priority  string
	CreatedAt time.Time
}

// AgentUpdate describes a partial update to an agent row.
// Nil fields are left unchanged.
type AgentUpdate struct {
	Status *string
	Error  *string
}

// Store defines the persistence interface for the orchestrator core.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, id string, update AgentUpdate) error
	ListAgents(ctx context.Context, statusFilter string) ([]*Agent, error)
	ResolveAgentByName(ctx context.Context, name string) (*Agent, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	TaskAgentIDs(ctx context.Context, taskID string) ([]string, error)

	// Inter-agent messages
	SendAgentMessage(ctx context.Context, msg *AgentMessage) error
	GetAgentMessages(ctx context.Context, agentID string, unreadOnly bool) ([]*AgentMessage, error)
	MarkMessageRead(ctx context.Context, messageID string) error

	// Shared context blackboard
	SetSharedContext(ctx context.Context, taskID, key string, value any, agentID string) error
	GetSharedContext(ctx context.Context, taskID string) (map[string]any, error)

	// Approvals
	CreateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ResolveApproval(ctx context.Context, id, status string) error
	ListPendingApprovals(ctx context.Context) ([]*Approval, error)

	// Conversation transcripts
	AddConversationMessage(ctx context.Context, agentID, role, content string) error
	GetConversation(ctx context.Context, agentID string) ([]*ConversationEntry, error)

	// Encrypted secrets (opaque AEAD blobs; see internal/crypto)
	StoreSecret(ctx context.Context, key string, ciphertext, nonce []byte) error
	GetSecret(ctx context.Context, key string) (ciphertext, nonce []byte, err error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecretKeys(ctx context.Context) ([]string, error)

	// Templates
	SaveTemplate(ctx context.Context, tmpl *Template) error
	GetTemplate(ctx context.Context, name string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
	DeleteTemplate(ctx context.Context, name string) error

	// Close releases any resources held by the store
	Close() error
}
