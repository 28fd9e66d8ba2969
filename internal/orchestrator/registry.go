// ABOUTME: In-memory registry of live agent handles and their control signals
// ABOUTME: The store holds the durable status; the registry only tracks agents being driven

package orchestrator

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAgentAlreadyRegistered indicates a handle with the same ID is already live.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// Handle is the live control surface for one running agent. The run loop
// observes pause/terminate requests at turn checkpoints, never mid-call.
type Handle struct {
	ID string

	mu         sync.Mutex
	paused     bool
	terminated bool
	nudges     []string
	wake       chan struct{}
}

func newHandle(id string) *Handle {
	return &Handle{
		ID:   id,
		wake: make(chan struct{}, 1),
	}
}

// RequestPause asks the run loop to pause at its next checkpoint.
func (h *Handle) RequestPause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

// RequestResume clears a pause request and wakes a parked run loop.
func (h *Handle) RequestResume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	h.signal()
}

// RequestTerminate asks the run loop to exit at its next checkpoint.
func (h *Handle) RequestTerminate() {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	h.signal()
}

// Nudge queues a free-form instruction delivered at the next checkpoint.
func (h *Handle) Nudge(content string) {
	h.mu.Lock()
	h.nudges = append(h.nudges, content)
	h.mu.Unlock()
	h.signal()
}

func (h *Handle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// drainNudges returns and clears the queued nudges.
func (h *Handle) drainNudges() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	nudges := h.nudges
	h.nudges = nil
	return nudges
}

func (h *Handle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *Handle) isTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// Registry tracks the live agent handles. It is owned by the orchestrator
// and passed by reference to anything that needs a handle lookup.
type Registry struct {
	handles map[string]*Handle
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  slog.Default().With("component", "registry"),
	}
}

// Register adds a live handle. Returns ErrAgentAlreadyRegistered if the
// agent is already being driven.
func (r *Registry) Register(handle *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[handle.ID]; exists {
		return ErrAgentAlreadyRegistered
	}

	r.handles[handle.ID] = handle
	r.logger.Info("agent registered", "agent_id", handle.ID, "live_agents", len(r.handles))
	return nil
}

// Unregister removes a handle when its run loop exits.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[agentID]; exists {
		delete(r.handles, agentID)
		r.logger.Info("agent unregistered", "agent_id", agentID, "live_agents", len(r.handles))
	}
}

// Get returns the live handle for an agent, if any.
func (r *Registry) Get(agentID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[agentID]
	return handle, ok
}

// Count returns the number of live agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
